package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize = 4

	// MaxFrameSize bounds a single payload. Larger prefixes are treated
	// as a corrupt stream.
	MaxFrameSize = 16 << 20
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Decoder accumulates stream bytes and yields complete frame payloads.
// It is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends bytes read from the connection.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload. ok is false when only a partial
// frame is buffered.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	if len(d.buf) < headerSize {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:headerSize])
	if n > MaxFrameSize {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	end := headerSize + int(n)
	if len(d.buf) < end {
		return nil, false, nil
	}

	payload = make([]byte, n)
	copy(payload, d.buf[headerSize:end])

	// Shift the remainder down so the buffer does not grow without bound.
	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	return payload, true, nil
}

// Buffered reports how many bytes are waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// AppendFrame appends the length-prefixed form of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteMessage encodes msg and writes it as a single frame.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	_, err = w.Write(AppendFrame(nil, payload))
	return err
}

// ReadMessage blocks until one full frame is read from r and decodes it.
// Used by slave-side clients that read synchronously.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Decode(payload)
}
