package khqr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrFieldTooLong = errors.New("khqr: field value longer than 99 bytes")
	ErrMalformed    = errors.New("khqr: malformed payload")
	ErrChecksum     = errors.New("khqr: crc mismatch")
)

// Field is one tag-length-value element. Value may itself be a TLV-encoded block.
type Field struct {
	Tag   string
	Value string
}

// Encode serializes fields in order: 2-char tag, 2-digit zero-padded byte length, raw value.
func Encode(fields ...Field) (string, error) {
	var b strings.Builder
	for _, f := range fields {
		if len(f.Tag) != 2 {
			return "", fmt.Errorf("%w: tag %q", ErrMalformed, f.Tag)
		}
		if len(f.Value) > 99 {
			return "", fmt.Errorf("%w: tag %s", ErrFieldTooLong, f.Tag)
		}
		b.WriteString(f.Tag)
		fmt.Fprintf(&b, "%02d", len(f.Value))
		b.WriteString(f.Value)
	}
	return b.String(), nil
}

// Decode splits a TLV stream into fields. Nested blocks are returned as raw values.
func Decode(s string) ([]Field, error) {
	var out []Field
	for i := 0; i < len(s); {
		if i+4 > len(s) {
			return nil, fmt.Errorf("%w: truncated header at %d", ErrMalformed, i)
		}
		tag := s[i : i+2]
		n, err := strconv.Atoi(s[i+2 : i+4])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad length at %d", ErrMalformed, i)
		}
		start := i + 4
		if start+n > len(s) {
			return nil, fmt.Errorf("%w: value overruns payload at tag %s", ErrMalformed, tag)
		}
		out = append(out, Field{Tag: tag, Value: s[start : start+n]})
		i = start + n
	}
	return out, nil
}

// Lookup returns the first value stored under tag.
func Lookup(fields []Field, tag string) (string, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}
