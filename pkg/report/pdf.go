package report

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// EmbeddedPDFMarker introduces an inline PDF inside an answer.
const EmbeddedPDFMarker = "data:application/pdf;base64,"

var pdfMagic = []byte("%PDF")

var (
	ErrInvalidPDF          = errors.New("report: bytes are not a PDF document")
	ErrRendererUnavailable = errors.New("report: pdf renderer is not configured")
)

// IsPDF reports whether b starts with the PDF file signature.
func IsPDF(b []byte) bool {
	return len(b) >= len(pdfMagic) && bytes.Equal(b[:len(pdfMagic)], pdfMagic)
}

// EncodePDF base64-encodes a validated PDF for JSON transport.
func EncodePDF(b []byte) (string, error) {
	if !IsPDF(b) {
		return "", ErrInvalidPDF
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodePDF reverses EncodePDF. Whitespace and stray characters are
// tolerated; the result must still carry the PDF signature.
func DecodePDF(s string) ([]byte, error) {
	b, err := decodeLoose(s)
	if err != nil {
		return nil, fmt.Errorf("decode pdf: %w", err)
	}
	if !IsPDF(b) {
		return nil, ErrInvalidPDF
	}
	return b, nil
}

// ExtractEmbeddedPDF finds an inline PDF data URI in answer and returns the
// decoded document. found is false when no marker is present; err is set
// when a marker is present but its payload is not a PDF.
func ExtractEmbeddedPDF(answer string) (pdf []byte, found bool, err error) {
	i := strings.Index(answer, EmbeddedPDFMarker)
	if i < 0 {
		return nil, false, nil
	}
	rest := answer[i+len(EmbeddedPDFMarker):]
	end := payloadEnd(rest)
	pdf, err = DecodePDF(rest[:end])
	if err != nil {
		return nil, true, err
	}
	return pdf, true, nil
}

// payloadEnd returns the length of the base64 run at the start of s. The
// run may be wrapped across lines. It ends at a blank line, after a padded
// token, or before the first token holding a character outside the
// alphabet. A stray character glued to the first token only cuts that token.
func payloadEnd(s string) int {
	end, newlines := 0, 0
	for i := 0; i < len(s); {
		c := s[i]
		if c == '\n' {
			newlines++
			if newlines > 1 {
				return end
			}
			i++
			continue
		}
		if isSpace(c) {
			i++
			continue
		}

		j := i
		for j < len(s) && isBase64Char(s[j]) {
			j++
		}
		pad := j
		for pad < len(s) && pad-j < 2 && s[pad] == '=' {
			pad++
		}
		if pad < len(s) && !isSpace(s[pad]) {
			if end == 0 {
				return pad
			}
			return end
		}
		if pad > j {
			return pad
		}
		end, i, newlines = j, j, 0
	}
	return end
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

func isBase64Char(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '+' || c == '/'
}

// decodeLoose drops characters outside the alphabet, then decodes. Padding
// is optional but, when present, must close a whole quantum.
func decodeLoose(s string) ([]byte, error) {
	var b strings.Builder
	b.Grow(len(s))
	padding := 0
	for i := 0; i < len(s); i++ {
		switch {
		case isBase64Char(s[i]):
			if padding > 0 {
				return nil, errors.New("data after padding")
			}
			b.WriteByte(s[i])
		case s[i] == '=':
			padding++
		}
	}
	clean := b.String()
	if clean == "" {
		return nil, errors.New("empty payload")
	}
	switch {
	case padding > 2:
		return nil, errors.New("too much padding")
	case padding > 0 && (len(clean)+padding)%4 != 0:
		return nil, fmt.Errorf("invalid length %d with %d padding", len(clean), padding)
	case padding == 0 && len(clean)%4 == 1:
		return nil, fmt.Errorf("invalid length %d", len(clean))
	}
	return base64.RawStdEncoding.DecodeString(clean)
}
