// Package wire implements the phasemux framing used to carry stream info,
// samples and output sequences over byte streams (SRT connections and QUIC
// streams).
//
// Every message is [type (varint)] [length (varint)] [payload]. Counts and
// small integers inside payloads are QUIC varints; timestamps are 8-byte
// big-endian signed integers; byte strings are varint-length-prefixed.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Message types.
const (
	MsgInfo     uint64 = 0x01
	MsgSample   uint64 = 0x02
	MsgSequence uint64 = 0x03
)

// MaxMessageSize bounds the payload length accepted by ReadMessage.
const MaxMessageSize = 64 << 20

// ErrTooLarge is returned for messages whose declared length exceeds
// MaxMessageSize.
var ErrTooLarge = errors.New("wire: message too large")

// ParseError indicates a failure to parse a message field. It wraps the
// underlying I/O or format error and records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ReadMessage reads one message. Pass a reader that implements
// io.ByteReader (e.g. a *bufio.Reader) when calling it repeatedly on the
// same stream; otherwise bytes buffered past the message are lost.
func ReadMessage(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		b := bufio.NewReader(r)
		br, r = b, b
	}

	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read message payload: %w", err)
	}
	return msgType, payload, nil
}

// WriteMessage writes one message as a single Write call so that concurrent
// writers on a message-oriented transport never interleave.
func WriteMessage(w io.Writer, msgType uint64, payload []byte) error {
	buf := make([]byte, 0, quicvarint.Len(msgType)+quicvarint.Len(uint64(len(payload)))+len(payload))
	buf = quicvarint.Append(buf, msgType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

func appendBytes(buf, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendInt64(buf []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(v))
}

// reader wraps a payload for sequential field reading.
type reader struct {
	data []byte
	pos  int
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) varint(field string) (uint64, error) {
	if r.pos >= len(r.data) {
		return 0, &ParseError{Field: field, Err: io.ErrUnexpectedEOF}
	}
	v, n, err := quicvarint.Parse(r.data[r.pos:])
	if err != nil {
		return 0, &ParseError{Field: field, Err: err}
	}
	r.pos += n
	return v, nil
}

func (r *reader) int(field string) (int, error) {
	v, err := r.varint(field)
	return int(v), err
}

func (r *reader) int64(field string) (int64, error) {
	if len(r.data)-r.pos < 8 {
		return 0, &ParseError{Field: field, Err: io.ErrUnexpectedEOF}
	}
	v := int64(binary.BigEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return v, nil
}

// bytes returns a copy of the next length-prefixed byte string.
func (r *reader) bytes(field string) ([]byte, error) {
	n, err := r.varint(field)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.data)-r.pos) {
		return nil, &ParseError{Field: field, Err: io.ErrUnexpectedEOF}
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:])
	r.pos += int(n)
	return out, nil
}

func (r *reader) string(field string) (string, error) {
	b, err := r.bytes(field)
	return string(b), err
}

// count reads an element count and rejects values that could not possibly
// fit in the remaining payload.
func (r *reader) count(field string) (int, error) {
	n, err := r.varint(field)
	if err != nil {
		return 0, err
	}
	if n > uint64(len(r.data)-r.pos) {
		return 0, &ParseError{Field: field, Err: fmt.Errorf("count %d exceeds payload", n)}
	}
	return int(n), nil
}
