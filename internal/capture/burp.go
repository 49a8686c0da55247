// Package capture reads and writes the request captures consumed by a batch
// run: Burp Suite XML exports, the normalized sqlmap request file, plain URL
// lists and the shared header file.
package capture

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RawRequest is one complete HTTP request: request line, headers and an
// optional body.
type RawRequest []byte

// Item is a single <item> of a Burp Suite "Save items" export.
type Item struct {
	URL      string      `xml:"url"`
	Host     string      `xml:"host"`
	Port     int         `xml:"port"`
	Protocol string      `xml:"protocol"`
	Method   string      `xml:"method"`
	Path     string      `xml:"path"`
	Request  ItemPayload `xml:"request"`
}

// ItemPayload is the <request> child of an item. Burp marks base64 content
// with base64="true"; older exports omit the attribute.
type ItemPayload struct {
	Base64 string `xml:"base64,attr"`
	Data   string `xml:",chardata"`
}

type burpExport struct {
	XMLName xml.Name `xml:"items"`
	Items   []Item   `xml:"item"`
}

// ParseBurpXML decodes a Burp XML export. An export without items yields an
// empty slice.
func ParseBurpXML(r io.Reader) ([]Item, error) {
	var doc burpExport
	dec := xml.NewDecoder(r)
	// Burp declares the document as UTF-8 but some exports carry other labels.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("capture: parse xml: %w", err)
	}
	return doc.Items, nil
}

// ParseBurpXMLFile opens path and decodes it with ParseBurpXML.
func ParseBurpXMLFile(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %q: %w", path, err)
	}
	defer f.Close()
	return ParseBurpXML(f)
}

// Decode returns the raw request bytes held by the item.
func (it Item) Decode() (RawRequest, error) {
	data := it.Request.Data
	if strings.TrimSpace(data) == "" {
		return nil, errors.New("empty request")
	}
	if strings.EqualFold(it.Request.Base64, "false") {
		return RawRequest(data), nil
	}
	compact := strings.Join(strings.Fields(data), "")
	raw, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty request")
	}
	return raw, nil
}

// ExtractRequests decodes every item and normalizes the result. Items whose
// request data is missing or undecodable are logged and skipped.
func ExtractRequests(items []Item) []RawRequest {
	return extractRequests(items, log.Logger)
}

func extractRequests(items []Item, logger zerolog.Logger) []RawRequest {
	reqs := make([]RawRequest, 0, len(items))
	for i, it := range items {
		raw, err := it.Decode()
		if err != nil {
			logger.Warn().
				Int("index", i+1).
				Str("url", it.URL).
				Err(err).
				Msg("skipping item without usable request data")
			continue
		}
		reqs = append(reqs, Normalize(raw))
	}
	return reqs
}
