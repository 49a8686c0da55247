package capture

import (
	"bytes"
)

var (
	crlf        = []byte("\r\n")
	crlfBlank   = []byte("\r\n\r\n")
	lfBlank     = []byte("\n\n")
	trailingSet = " \t\r"
)

// Normalize rewrites a request into the layout sqlmap's -r parser expects:
// the request line, every non-blank header line, an empty line, then the
// body unchanged. Line endings in the head become CRLF and trailing
// whitespace is trimmed. Input that cannot be split into a head and a body
// is returned untouched.
func Normalize(raw RawRequest) RawRequest {
	head, body, ok := splitHead(raw)
	if !ok {
		return raw
	}

	lines := bytes.Split(head, []byte("\n"))
	requestLine := bytes.TrimRight(lines[0], trailingSet)
	if len(bytes.TrimSpace(requestLine)) == 0 {
		return raw
	}

	var b bytes.Buffer
	b.Grow(len(raw) + len(lines))
	b.Write(requestLine)
	b.Write(crlf)
	for _, line := range lines[1:] {
		line = bytes.TrimRight(line, trailingSet)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		b.Write(line)
		b.Write(crlf)
	}
	b.Write(crlf)
	b.Write(body)
	return b.Bytes()
}

// splitHead splits at the first CRLFCRLF, falling back to LFLF.
func splitHead(raw []byte) (head, body []byte, ok bool) {
	if i := bytes.Index(raw, crlfBlank); i >= 0 {
		return raw[:i], raw[i+len(crlfBlank):], true
	}
	if i := bytes.Index(raw, lfBlank); i >= 0 {
		return raw[:i], raw[i+len(lfBlank):], true
	}
	return nil, nil, false
}
