package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Delimiter separates records in a normalized request file.
const Delimiter = "\r\n====\r\n"

// WriteRequestFile writes every request followed by Delimiter.
func WriteRequestFile(w io.Writer, reqs []RawRequest) error {
	bw := bufio.NewWriter(w)
	for i, req := range reqs {
		if _, err := bw.Write(req); err != nil {
			return fmt.Errorf("capture: write request %d: %w", i+1, err)
		}
		if _, err := bw.WriteString(Delimiter); err != nil {
			return fmt.Errorf("capture: write delimiter %d: %w", i+1, err)
		}
	}
	return bw.Flush()
}

// ReadRequestFile splits a normalized request file back into requests.
// Blank blocks, such as the one after the final delimiter, are dropped.
func ReadRequestFile(r io.Reader) ([]RawRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("capture: read request file: %w", err)
	}
	var reqs []RawRequest
	for _, block := range bytes.Split(data, []byte(Delimiter)) {
		if len(bytes.TrimSpace(block)) == 0 {
			continue
		}
		reqs = append(reqs, RawRequest(block))
	}
	return reqs, nil
}

// ReadRequestFilePath opens path and reads it with ReadRequestFile.
func ReadRequestFilePath(path string) ([]RawRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %q: %w", path, err)
	}
	defer f.Close()
	return ReadRequestFile(f)
}

// WriteRequestDir writes each request to dir/request_<n>.req and returns the
// paths written.
func WriteRequestDir(dir string, reqs []RawRequest) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: create %q: %w", dir, err)
	}
	paths := make([]string, 0, len(reqs))
	for i, req := range reqs {
		p := filepath.Join(dir, fmt.Sprintf("request_%d.req", i+1))
		if err := os.WriteFile(p, req, 0o644); err != nil {
			return paths, fmt.Errorf("capture: write %q: %w", p, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// ReadURLList reads one URL per line, skipping blank lines and # comments.
func ReadURLList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %q: %w", path, err)
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("capture: scan %q: %w", path, err)
	}
	return urls, nil
}

// LoadHeaders reads a JSON object mapping header names to values. A JSON
// string holding an encoded object is unwrapped once.
func LoadHeaders(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capture: read headers %q: %w", path, err)
	}
	return parseHeaders(data)
}

func parseHeaders(data []byte) (map[string]string, error) {
	var headers map[string]string
	if err := json.Unmarshal(data, &headers); err == nil {
		return headers, nil
	}

	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, errors.New("capture: headers must be a JSON object of strings")
	}
	if err := json.Unmarshal([]byte(encoded), &headers); err != nil {
		return nil, fmt.Errorf("capture: decode embedded headers: %w", err)
	}
	return headers, nil
}
