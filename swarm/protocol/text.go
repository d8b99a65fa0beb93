package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTextLength is the longest text payload that fits a TextMessage.
// The last byte of the wire buffer is always a terminator so older receivers never read past it.
const MaxTextLength = TextCapacity - 1

// Text is a string bounded to MaxTextLength bytes.
type Text string

// NewText builds a Text from s, cutting it at the first NUL byte and then
// truncating it to MaxTextLength bytes without splitting a UTF-8 sequence.
func NewText(s string) Text {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	if len(s) <= MaxTextLength {
		return Text(s)
	}
	cut := MaxTextLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return Text(s[:cut])
}

func (t Text) String() string {
	return string(t)
}

// put writes t NUL-padded into a TextCapacity sized buffer.
func (t Text) put(b []byte) error {
	if len(t) > MaxTextLength {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTextTooLong, len(t), MaxTextLength)
	}
	n := copy(b, t)
	clear(b[n:])
	return nil
}

// textFrom reads text up to the first NUL within the first MaxTextLength bytes.
// The final byte is ignored even when a sender forgot to terminate.
func textFrom(b []byte) Text {
	b = b[:MaxTextLength]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return Text(b)
}
