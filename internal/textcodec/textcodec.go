// Package textcodec recovers message body text from the platform's
// rich-text binary serialization.
//
// Message bodies are stored as a versioned object-serialization stream
// ("streamtyped"), not raw UTF-8. Feeding that stream straight through a
// UTF-8 decode often succeeds syntactically while producing replacement
// characters or garbled CJK where real text should be. In an audit
// context that is data loss, so this package either recovers the exact
// embedded text or reports the body as undecodable. It never substitutes
// an empty string.
package textcodec

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
)

// Status describes how (or whether) a body was recovered.
type Status string

const (
	// StatusPlain: the authoritative plain-text column was present.
	StatusPlain Status = "plain"
	// StatusDecodedBinary: text was recovered from the binary stream.
	StatusDecodedBinary Status = "decoded-binary"
	// StatusUndecodable: no candidate decoding passed validation.
	// Text is nil, which is distinct from an empty string.
	StatusUndecodable Status = "undecodable"
	// StatusUnsupportedType: the message is a non-text payload (app
	// balloon, sticker) that has no recoverable body by design.
	StatusUnsupportedType Status = "unsupported-type"
)

// Result of a body decode. Text is nil exactly when Status is
// StatusUndecodable or StatusUnsupportedType.
type Result struct {
	Text   *string
	Status Status
}

// Unsupported is the Result for message types that carry no text body.
func Unsupported() Result {
	return Result{Status: StatusUnsupportedType}
}

// maxNonASCIIRatio rejects whole-stream transcodes where more than 30%
// of code points fall outside ASCII: the signature of a wrong-encoding
// "success" (structural bytes misread as CJK-range characters).
const maxNonASCIIRatio = 0.30

// Decode recovers the body text for one message.
//
// A non-empty plain field is authoritative and short-circuits the binary
// decoder entirely. Otherwise the blob is tried as a typedstream (the
// embedded payload is extracted from between the structural markers, not
// returned verbatim), then as whole-stream UTF-8, UTF-16LE, UTF-16BE and
// Latin-1, each candidate checked for replacement characters. If nothing
// passes, the result is StatusUndecodable with nil text.
func Decode(plain string, blob []byte) Result {
	if plain != "" {
		return Result{Text: &plain, Status: StatusPlain}
	}
	if len(blob) == 0 {
		return Result{Status: StatusUndecodable}
	}

	if isTypedStream(blob) {
		// A structured stream that fails marker extraction must not fall
		// through to whole-stream transcoding: that path would hand back
		// class names and framing as if they were message text.
		if s, ok := extractTypedStream(blob); ok {
			return Result{Text: &s, Status: StatusDecodedBinary}
		}
		return Result{Status: StatusUndecodable}
	}

	for _, dec := range transcodeOrder {
		s, ok := dec.try(blob)
		if !ok {
			continue
		}
		s = stripFraming(s)
		if s == "" {
			continue
		}
		return Result{Text: &s, Status: StatusDecodedBinary}
	}

	return Result{Status: StatusUndecodable}
}

type transcoder struct {
	name string
	dec  *encoding.Decoder
}

func (t transcoder) try(blob []byte) (string, bool) {
	var s string
	if t.dec == nil {
		if !utf8.Valid(blob) {
			return "", false
		}
		s = string(blob)
	} else {
		b, err := t.dec.Bytes(blob)
		if err != nil {
			return "", false
		}
		s = string(b)
	}
	if !cleanTranscode(s) {
		return "", false
	}
	return s, true
}

// Fallback order validated against real corpora: UTF-16LE is by far the
// most common non-UTF-8 encoding in the source material.
var transcodeOrder = []transcoder{
	{name: "utf-8"},
	{name: "utf-16le", dec: xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM).NewDecoder()},
	{name: "utf-16be", dec: xunicode.UTF16(xunicode.BigEndian, xunicode.IgnoreBOM).NewDecoder()},
	{name: "latin-1", dec: charmap.ISO8859_1.NewDecoder()},
}

// cleanTranscode rejects candidates bearing the marks of a wrong decode:
// any replacement character, or an implausibly high non-ASCII ratio.
func cleanTranscode(s string) bool {
	if s == "" {
		return false
	}
	total, nonASCII := 0, 0
	for _, r := range s {
		if r == utf8.RuneError {
			return false
		}
		total++
		if r > unicode.MaxASCII {
			nonASCII++
		}
	}
	if total == 0 {
		return false
	}
	return float64(nonASCII)/float64(total) <= maxNonASCIIRatio
}

var (
	streamtypedMagic = []byte("streamtyped")
	nsStringMarker   = []byte("NSString")
)

// extractTypedStream pulls the embedded plain-text payload out of a
// typedstream blob. The string object is announced by an NSString (or
// NSMutableString) class record, followed by a '+' marker and a
// length-prefixed byte run: a single length byte, or 0x81 plus a
// little-endian uint16, or 0x82 plus a little-endian uint32 for longer
// bodies. Returning the payload byte-for-byte is the whole point; the
// surrounding structure is framing, never part of the message.
func isTypedStream(data []byte) bool {
	head := data
	if len(head) > 32 {
		head = head[:32]
	}
	return bytes.Contains(head, streamtypedMagic)
}

func extractTypedStream(data []byte) (string, bool) {
	if !isTypedStream(data) {
		return "", false
	}

	idx := bytes.Index(data, nsStringMarker)
	if idx < 0 {
		return "", false
	}
	p := idx + len(nsStringMarker)

	// The '+' marker sits within a few structural bytes of the class name.
	plus := -1
	for i := p; i < len(data) && i < p+8; i++ {
		if data[i] == '+' {
			plus = i
			break
		}
	}
	if plus < 0 || plus+1 >= len(data) {
		return "", false
	}

	length, start, ok := readLength(data, plus+1)
	if !ok || start+length > len(data) {
		return "", false
	}

	payload := data[start : start+length]
	if !utf8.Valid(payload) {
		return "", false
	}
	s := string(payload)
	if strings.ContainsRune(s, utf8.RuneError) {
		return "", false
	}
	return s, true
}

func readLength(data []byte, at int) (length, start int, ok bool) {
	switch data[at] {
	case 0x81:
		if at+3 > len(data) {
			return 0, 0, false
		}
		return int(binary.LittleEndian.Uint16(data[at+1 : at+3])), at + 3, true
	case 0x82:
		if at+5 > len(data) {
			return 0, 0, false
		}
		return int(binary.LittleEndian.Uint32(data[at+1 : at+5])), at + 5, true
	default:
		return int(data[at]), at + 1, true
	}
}

// stripFraming drops control characters that belong to the stream
// structure, keeping ordinary whitespace. Applied only to whole-stream
// transcodes; marker-based extraction already isolates the payload.
func stripFraming(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
