// Package canon produces canonical byte forms and identity hashes.
//
// Canonical JSON here means: object keys sorted, no insignificant whitespace,
// numbers kept exactly as written, no HTML escaping. Two serialisations of the
// same logical document canonicalise to the same bytes.
package canon

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatRaw   = "raw"
)

// JSON canonicalises a single JSON document.
func JSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("decode json: trailing content")
	}
	return encode(v)
}

// JSONLines canonicalises every non-blank line and joins them with '\n'.
func JSONLines(data []byte) ([]byte, error) {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		c, err := JSON(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out.Write(c)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Payload canonicalises payload bytes according to format.
func Payload(format string, data []byte) ([]byte, error) {
	switch format {
	case FormatJSON:
		return JSON(data)
	case FormatJSONL:
		return JSONLines(data)
	case FormatRaw, "":
		return data, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

// Value marshals v and canonicalises the result.
func Value(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSON(raw)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SHA256Hex returns the hex sha256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
