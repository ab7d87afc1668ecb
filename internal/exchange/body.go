package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	mediaForm      = "application/x-www-form-urlencoded"
	mediaMultipart = "multipart/form-data"
)

// Body is a payload read exactly once. Raw is what gets forwarded and
// persisted; Form carries the parsed fields of form-encoded payloads.
type Body struct {
	ContentType string              `json:"content_type,omitempty"`
	Raw         []byte              `json:"-"`
	Form        map[string][]string `json:"form,omitempty"`
}

// ReadBody consumes r and classifies the payload by its content type.
// A nil reader yields an empty body.
func ReadBody(contentType string, r io.Reader) (Body, error) {
	body := Body{ContentType: contentType}
	if r == nil {
		return body, nil
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return body, fmt.Errorf("read body: %w", err)
	}
	body.Raw = raw

	if IsFormData(contentType) && len(raw) > 0 {
		body.Form = parseForm(contentType, raw)
	}

	return body, nil
}

// Len returns the raw payload size in bytes.
func (b Body) Len() int {
	return len(b.Raw)
}

// Text returns the payload decoded as UTF-8, replacing invalid sequences.
func (b Body) Text() string {
	if utf8.Valid(b.Raw) {
		return string(b.Raw)
	}
	return strings.ToValidUTF8(string(b.Raw), "�")
}

// IsFormData reports whether contentType is one of the form encodings.
func IsFormData(contentType string) bool {
	switch mediaType(contentType) {
	case mediaForm, mediaMultipart:
		return true
	default:
		return false
	}
}

// IsPlainText reports whether a payload of this type is shown decoded:
// JSON documents and every text/* type. Anything else is exposed to
// viewers by reference only.
func IsPlainText(contentType string) bool {
	mt := mediaType(contentType)
	switch {
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return true
	case strings.HasPrefix(mt, "text/"):
		return true
	default:
		return false
	}
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// parseForm extracts fields for the record. Parsing is best effort: a
// malformed payload still gets forwarded byte for byte.
func parseForm(contentType string, raw []byte) map[string][]string {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil
	}

	if mt == mediaForm {
		values, err := url.ParseQuery(string(raw))
		if err != nil && len(values) == 0 {
			return nil
		}
		return values
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil
	}

	fields := make(map[string][]string)
	reader := multipart.NewReader(bytes.NewReader(raw), boundary)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}

		name := part.FormName()
		if name == "" {
			part.Close()
			continue
		}

		// File contents stay in Raw; the record keeps the file name.
		if filename := part.FileName(); filename != "" {
			fields[name] = append(fields[name], filename)
			part.Close()
			continue
		}

		value, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			break
		}
		fields[name] = append(fields[name], string(value))
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}
