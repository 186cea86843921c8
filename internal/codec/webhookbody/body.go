// Package webhookbody turns an inbound webhook request body into a decoded
// bracket tree.
//
// Bitrix24 posts application/x-www-form-urlencoded bodies with bracket keys.
// Other content types are tried as JSON first and, when that fails, as a raw
// urlencoded body. Pair order from the wire is preserved so that heuristic
// lookups over the tree are deterministic.
package webhookbody

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/darkClaw921/b24-transfer-lead/internal/codec/bracket"
)

// DefaultMaxBodyBytes caps how much of a request body is read.
const DefaultMaxBodyBytes int64 = 1 << 20

// ErrMalformedBody is returned when a body cannot be decoded by any strategy.
var ErrMalformedBody = errors.New("malformed webhook body")

// Format records which strategy produced a tree.
type Format string

const (
	FormatForm      Format = "form"
	FormatMultipart Format = "multipart"
	FormatJSON      Format = "json"
	FormatRawForm   Format = "raw_form"
)

// Decode reads r's body (at most maxBytes, DefaultMaxBodyBytes when <= 0) and
// decodes it into a tree.
func Decode(r *http.Request, maxBytes int64) (*bracket.Tree, Format, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}

	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/x-www-form-urlencoded":
		raw, err := readBody(r.Body, maxBytes)
		if err != nil {
			return nil, FormatForm, err
		}
		pairs, err := ParseQuery(string(raw))
		if err != nil {
			return nil, FormatForm, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		return bracket.Decode(pairs), FormatForm, nil

	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, FormatMultipart, fmt.Errorf("%w: multipart body without boundary", ErrMalformedBody)
		}
		pairs, err := parseMultipart(io.LimitReader(r.Body, maxBytes), boundary)
		if err != nil {
			return nil, FormatMultipart, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		return bracket.Decode(pairs), FormatMultipart, nil
	}

	raw, err := readBody(r.Body, maxBytes)
	if err != nil {
		return nil, FormatJSON, err
	}
	if tree, err := FromJSON(raw); err == nil {
		return tree, FormatJSON, nil
	}
	pairs, err := ParseQuery(string(raw))
	if err != nil {
		return nil, FormatRawForm, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return bracket.Decode(pairs), FormatRawForm, nil
}

func readBody(body io.Reader, maxBytes int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrMalformedBody, err)
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedBody, maxBytes)
	}
	return raw, nil
}

// ParseQuery splits a urlencoded string into pairs, keeping wire order.
// Blank values are kept; empty segments between '&' are skipped.
func ParseQuery(raw string) ([]bracket.Pair, error) {
	var pairs []bracket.Pair
	for raw != "" {
		var segment string
		segment, raw, _ = strings.Cut(raw, "&")
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("unescape key %q: %w", key, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("unescape value for %q: %w", k, err)
		}
		pairs = append(pairs, bracket.Pair{Key: k, Value: v})
	}
	return pairs, nil
}

// parseMultipart collects the non-file fields of a multipart body in order.
func parseMultipart(body io.Reader, boundary string) ([]bracket.Pair, error) {
	mr := multipart.NewReader(body, boundary)
	var pairs []bracket.Pair
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return pairs, nil
		}
		if err != nil {
			return nil, err
		}
		name := part.FormName()
		if name == "" || part.FileName() != "" {
			part.Close()
			continue
		}
		value, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("read part %q: %w", name, err)
		}
		pairs = append(pairs, bracket.Pair{Key: name, Value: string(value)})
	}
}

// FromJSON decodes a JSON object into a tree. Numbers keep their literal
// text, booleans become "true"/"false", arrays become mappings keyed by index
// and nulls are dropped. Anything other than a single object is an error.
func FromJSON(raw []byte) (*bracket.Tree, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("json body is not an object")
	}
	tree, err := decodeObject(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after json object")
	}
	return tree, nil
}

func decodeObject(dec *json.Decoder) (*bracket.Tree, error) {
	node := bracket.NewMap()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		child, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		if child != nil {
			node.Set(key, child)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return node, nil
}

func decodeArray(dec *json.Decoder) (*bracket.Tree, error) {
	node := bracket.NewMap()
	for i := 0; dec.More(); i++ {
		child, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		if child != nil {
			node.Set(strconv.Itoa(i), child)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return node, nil
}

func decodeValue(dec *json.Decoder) (*bracket.Tree, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	case string:
		return bracket.Leaf(v), nil
	case json.Number:
		return bracket.Leaf(v.String()), nil
	case bool:
		return bracket.Leaf(strconv.FormatBool(v)), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected json token %T", tok)
}
