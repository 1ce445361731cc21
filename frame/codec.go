package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/fieldgate/errors"
)

const (
	// headerSize is the 4-byte length prefix plus the 1-byte type tag.
	headerSize = 5

	// checksumSize is the trailing CRC-32.
	checksumSize = 4

	// DefaultMaxPayload bounds payload size unless overridden.
	DefaultMaxPayload = 64 * 1024
)

// Codec encodes and decodes frames. The zero value is not usable; construct
// with NewCodec. Codec is stateless and safe for concurrent use.
type Codec struct {
	maxPayload int
}

// NewCodec creates a codec enforcing the given maximum payload size.
// A non-positive max falls back to DefaultMaxPayload.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{maxPayload: maxPayload}
}

// MaxPayload returns the configured payload size limit.
func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

// Encode serializes a frame into its wire representation.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil frame"), "FrameCodec", "Encode", "frame validation")
	}

	payload, err := msgpack.Marshal(f)
	if err != nil {
		return nil, errors.WrapInvalid(err, "FrameCodec", "Encode", "payload serialization")
	}
	if len(payload) > c.maxPayload {
		return nil, errors.WrapInvalid(errors.ErrPayloadTooLarge, "FrameCodec", "Encode", "payload size check")
	}

	out := make([]byte, headerSize+len(payload)+checksumSize)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	out[4] = byte(f.FrameType())
	copy(out[headerSize:], payload)

	sum := crc32.ChecksumIEEE(out[4 : headerSize+len(payload)])
	binary.BigEndian.PutUint32(out[headerSize+len(payload):], sum)

	return out, nil
}

// Decode parses one frame from b. It consumes exactly one frame: b must
// contain the complete frame and nothing else. Malformed input yields a typed
// error (ErrTruncated, ErrPayloadTooLarge, ErrChecksumMismatch,
// ErrUnknownFrameType, ErrPayloadDecode), never a panic.
func (c *Codec) Decode(b []byte) (Frame, error) {
	if len(b) < headerSize+checksumSize {
		return nil, errors.WrapInvalid(errors.ErrTruncated, "FrameCodec", "Decode", "header read")
	}

	payloadLen := binary.BigEndian.Uint32(b[0:4])
	if payloadLen > uint32(c.maxPayload) {
		return nil, errors.WrapInvalid(errors.ErrPayloadTooLarge, "FrameCodec", "Decode", "payload size check")
	}

	total := headerSize + int(payloadLen) + checksumSize
	if len(b) < total {
		return nil, errors.WrapInvalid(errors.ErrTruncated, "FrameCodec", "Decode", "payload read")
	}

	body := b[4 : headerSize+int(payloadLen)] // type byte + payload
	wantSum := binary.BigEndian.Uint32(b[headerSize+int(payloadLen) : total])
	if crc32.ChecksumIEEE(body) != wantSum {
		return nil, errors.WrapInvalid(errors.ErrChecksumMismatch, "FrameCodec", "Decode", "checksum validation")
	}

	return c.decodePayload(Type(b[4]), b[headerSize:headerSize+int(payloadLen)])
}

// decodePayload unmarshals the typed payload body. Unknown type tags map to
// ErrUnknownFrameType so downstream switches stay exhaustive.
func (c *Codec) decodePayload(t Type, payload []byte) (Frame, error) {
	var (
		f   Frame
		err error
	)

	switch t {
	case TypeHandshake:
		var v Handshake
		err = msgpack.Unmarshal(payload, &v)
		f = v
	case TypeHandshakeAck:
		var v HandshakeAck
		err = msgpack.Unmarshal(payload, &v)
		f = v
	case TypeTelemetry:
		var v Telemetry
		err = msgpack.Unmarshal(payload, &v)
		f = v
	case TypeCommand:
		var v Command
		err = msgpack.Unmarshal(payload, &v)
		f = v
	case TypeCommandAck:
		var v CommandAck
		err = msgpack.Unmarshal(payload, &v)
		f = v
	case TypeDisconnect:
		var v Disconnect
		err = msgpack.Unmarshal(payload, &v)
		f = v
	case TypePing:
		var v Ping
		err = msgpack.Unmarshal(payload, &v)
		f = v
	case TypePong:
		var v Pong
		err = msgpack.Unmarshal(payload, &v)
		f = v
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownFrameType, "FrameCodec", "Decode",
			fmt.Sprintf("frame type 0x%02x", byte(t)))
	}

	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrPayloadDecode, "FrameCodec", "Decode",
			fmt.Sprintf("payload deserialization: %v", err))
	}
	return f, nil
}

// ReadFrame reads exactly one frame from r, blocking until it arrives or the
// reader fails. Oversized length prefixes fail before any payload is read so
// a hostile peer cannot force a large allocation.
func (c *Codec) ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.WrapInvalid(errors.ErrTruncated, "FrameCodec", "ReadFrame", "header read")
		}
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	if payloadLen > uint32(c.maxPayload) {
		return nil, errors.WrapInvalid(errors.ErrPayloadTooLarge, "FrameCodec", "ReadFrame", "payload size check")
	}

	rest := make([]byte, int(payloadLen)+checksumSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.WrapInvalid(errors.ErrTruncated, "FrameCodec", "ReadFrame", "payload read")
		}
		return nil, err
	}

	return c.Decode(append(header, rest...))
}

// WriteFrame encodes f and writes the full wire frame to w.
func (c *Codec) WriteFrame(w io.Writer, f Frame) error {
	b, err := c.Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return nil
}
