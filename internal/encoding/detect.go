// Package encoding normalises bank file charsets. Banks still send return
// files in Latin-1 or Windows-1252, sometimes with a BOM.
package encoding

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	xenc "golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Charset names reported by Detect.
const (
	UTF8        = "UTF-8"
	UTF8BOM     = "UTF-8-BOM"
	UTF16LE     = "UTF-16LE"
	UTF16BE     = "UTF-16BE"
	Windows1252 = "windows-1252"
	ISO88599    = "ISO-8859-9"
)

const sniffLen = 4096

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Detect guesses the charset of head, the first bytes of a file.
//
// Order: BOM, then valid UTF-8, then chardet heuristics, then Windows-1252.
func Detect(head []byte) string {
	switch {
	case bytes.HasPrefix(head, bomUTF8):
		return UTF8BOM
	case bytes.HasPrefix(head, bomUTF16LE):
		return UTF16LE
	case bytes.HasPrefix(head, bomUTF16BE):
		return UTF16BE
	case utf8.Valid(head):
		return UTF8
	}

	result, err := chardet.NewTextDetector().DetectBest(head)
	if err == nil {
		switch result.Charset {
		case "UTF-8":
			return UTF8
		case "ISO-8859-9":
			return ISO88599
		}
	}

	return Windows1252
}

// NewUTF8Reader returns a reader that decodes r to UTF-8, stripping any BOM.
func NewUTF8Reader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, sniffLen)

	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, fmt.Errorf("peek: %w", err)
	}

	switch Detect(head) {
	case UTF8:
		return br, nil
	case UTF8BOM:
		_, _ = br.Discard(len(bomUTF8))
		return br, nil
	case UTF16LE:
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()), nil
	case UTF16BE:
		return transform.NewReader(br, unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewDecoder()), nil
	case ISO88599:
		return transform.NewReader(br, charmap.ISO8859_9.NewDecoder()), nil
	default:
		return transform.NewReader(br, charmap.Windows1252.NewDecoder()), nil
	}
}

// ToWindows1252 converts UTF-8 text for banks that only accept single-byte
// files. Characters outside the charset become the substitute byte.
func ToWindows1252(b []byte) ([]byte, error) {
	encoder := xenc.ReplaceUnsupported(charmap.Windows1252.NewEncoder())

	out, _, err := transform.Bytes(encoder, b)
	if err != nil {
		return nil, fmt.Errorf("encode windows-1252: %w", err)
	}

	return out, nil
}
