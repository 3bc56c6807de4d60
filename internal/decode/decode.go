// Package decode turns the raw transport-encoded bytes of a stored
// notification email into canonical text.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ErrDecode is returned when neither UTF-8 nor the ISO-8859-1 fallback can
// represent the decoded bytes.
var ErrDecode = errors.New("decode: email bytes could not be converted to text")

// Decode reverses the quoted-printable transport encoding of raw and converts
// the result to a string. Bytes that are not valid UTF-8 are read as
// ISO-8859-1. No other normalization is applied.
func Decode(raw []byte) (string, error) {
	b := QuotedPrintable(raw)
	if utf8.Valid(b) {
		return string(b), nil
	}

	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return string(s), nil
}

// QuotedPrintable decodes quoted-printable data leniently. Soft line breaks
// are joined, "==" yields "=", and an "=" that starts no valid escape is kept
// literally. A lone "=" at the end of input is dropped. Line endings and
// whitespace are left as they are. It never fails.
func QuotedPrintable(raw []byte) []byte {
	out := make([]byte, 0, len(raw))

	for i := 0; i < len(raw); {
		c := raw[i]
		if c != '=' {
			out = append(out, c)
			i++
			continue
		}

		i++
		if i >= len(raw) {
			break
		}
		switch next := raw[i]; {
		case next == '\n' || next == '\r':
			// soft line break: skip through the next LF
			if j := bytes.IndexByte(raw[i:], '\n'); j >= 0 {
				i += j + 1
			} else {
				i = len(raw)
			}
		case next == '=':
			out = append(out, '=')
			i++
		case i+1 < len(raw) && isHex(next) && isHex(raw[i+1]):
			out = append(out, unhex(next)<<4|unhex(raw[i+1]))
			i += 2
		default:
			out = append(out, '=')
		}
	}

	return out
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
