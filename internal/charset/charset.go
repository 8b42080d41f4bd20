// Package charset resolves charset labels such as "UTF-8", "EUC-KR" or
// "Shift_JIS" and converts between text and the bytes that travel on
// the wire.
//
// The transport never inspects payloads; charsets only matter when a
// caller builds a payload from text or when received bytes are decoded
// for logging and display.
package charset

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// Default is the platform default charset used to decode replies when
// the caller does not name one.
const Default = "UTF-8"

// Charset is a resolved, immutable encoding.
type Charset struct {
	name string
	enc  encoding.Encoding
}

// UTF8 is the resolved default charset.
var UTF8 = &Charset{name: Default, enc: unicode.UTF8}

// Lookup resolves a charset label.  IANA names are tried first, then
// the WHATWG labels browsers accept.  An empty name yields [UTF8].
func Lookup(name string) (*Charset, error) {
	label := strings.TrimSpace(name)
	switch strings.ToLower(label) {
	case "", "utf-8", "utf8":
		return UTF8, nil
	}

	if enc, err := ianaindex.IANA.Encoding(label); err == nil && enc != nil {
		return &Charset{name: canonical(label, enc), enc: enc}, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q", name)
	}
	return &Charset{name: canonical(label, enc), enc: enc}, nil
}

// Name returns the canonical name of the charset.
func (c *Charset) Name() string { return c.name }

// Encode converts text to bytes.  Characters the charset cannot
// represent are an error rather than being silently replaced.
func (c *Charset) Encode(text string) ([]byte, error) {
	if c.enc == unicode.UTF8 {
		return []byte(text), nil
	}
	out, err := c.enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("encode as %s: %w", c.name, err)
	}
	return out, nil
}

// Decode converts bytes to text.  Invalid sequences become U+FFFD, so
// a reply truncated in the middle of a multi-byte character still
// decodes.
func (c *Charset) Decode(data []byte) string {
	out, err := c.enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

func canonical(label string, enc encoding.Encoding) string {
	if n, err := ianaindex.IANA.Name(enc); err == nil && n != "" {
		return n
	}
	if n, err := htmlindex.Name(enc); err == nil && n != "" {
		return n
	}
	return label
}
