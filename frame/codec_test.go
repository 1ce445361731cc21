package frame

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fieldgate/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec(0)

	frames := []Frame{
		Handshake{DeviceID: "dev-42", ProtocolVersion: 1, Capabilities: []string{"telemetry", "commands"}},
		HandshakeAck{Accepted: true, SessionToken: "tok-abc", ProtocolVersion: 1},
		HandshakeAck{Accepted: false, Reason: "unsupported protocol"},
		Telemetry{Seq: 7, SchemaVersion: 1, TimestampMs: 1700000000000,
			Fields: map[string]interface{}{"temp_c": 21.5, "unit": "celsius", "ok": true}},
		Command{ID: "cmd-1", Name: "reboot", ExpiresAtMs: 1700000060000,
			Params: map[string]interface{}{"delay_s": 5.0}},
		CommandAck{ID: "cmd-1"},
		Disconnect{Reason: "maintenance"},
		Ping{Nonce: 99},
		Pong{Nonce: 99},
	}

	for _, f := range frames {
		t.Run(f.FrameType().String(), func(t *testing.T) {
			encoded, err := codec.Encode(f)
			require.NoError(t, err)

			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, f, decoded)
		})
	}
}

func TestDecodeTruncatedInput(t *testing.T) {
	codec := NewCodec(0)

	encoded, err := codec.Encode(Ping{Nonce: 1})
	require.NoError(t, err)

	// Every strict prefix of a valid frame is a typed truncation error
	for cut := 0; cut < len(encoded); cut++ {
		_, err := codec.Decode(encoded[:cut])
		require.Error(t, err, "prefix of length %d", cut)
		assert.ErrorIs(t, err, errors.ErrTruncated, "prefix of length %d", cut)
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	codec := NewCodec(0)

	encoded, err := codec.Encode(Disconnect{Reason: "bye"})
	require.NoError(t, err)

	// Flip one payload bit
	corrupted := append([]byte(nil), encoded...)
	corrupted[6] ^= 0x01

	_, err = codec.Decode(corrupted)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChecksumMismatch)
}

func TestDecodeUnknownType(t *testing.T) {
	codec := NewCodec(0)

	encoded, err := codec.Encode(Ping{Nonce: 5})
	require.NoError(t, err)

	// Replace the type byte and fix up the checksum so only the type is wrong
	mutated := append([]byte(nil), encoded...)
	mutated[4] = 0x7f
	fixChecksum(mutated)

	_, err = codec.Decode(mutated)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownFrameType)
}

func TestDecodePayloadTooLarge(t *testing.T) {
	codec := NewCodec(16)

	b := make([]byte, 64)
	binary.BigEndian.PutUint32(b[0:4], 40)
	_, err := codec.Decode(b)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPayloadTooLarge)
}

func TestEncodePayloadTooLarge(t *testing.T) {
	codec := NewCodec(8)

	_, err := codec.Encode(Disconnect{Reason: "this reason does not fit in eight bytes"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPayloadTooLarge)
}

func TestDecodeIsTotalOverArbitraryBytes(t *testing.T) {
	codec := NewCodec(0)

	inputs := [][]byte{
		nil,
		{},
		{0x00},
		{0xff, 0xff, 0xff, 0xff},
		{0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00},
		bytes.Repeat([]byte{0xab}, 1024),
		bytes.Repeat([]byte{0x00}, 9),
	}

	for i, in := range inputs {
		f, err := codec.Decode(in)
		if err == nil {
			require.NotNil(t, f, "input %d decoded to nil frame without error", i)
		}
	}
}

func TestDecodeCorruptPayloadBody(t *testing.T) {
	codec := NewCodec(0)

	// Valid envelope around a payload that is not valid msgpack for the type
	payload := []byte{0xc1, 0xc1, 0xc1} // 0xc1 is never used by msgpack
	b := make([]byte, headerSize+len(payload)+checksumSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(len(payload)))
	b[4] = byte(TypeTelemetry)
	copy(b[headerSize:], payload)
	fixChecksum(b)

	_, err := codec.Decode(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPayloadDecode))
	assert.True(t, errors.IsInvalid(err))
}

func TestReadWriteFrameStream(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer

	in := []Frame{
		Handshake{DeviceID: "dev-1", ProtocolVersion: 1},
		Telemetry{Seq: 1, SchemaVersion: 1, Fields: map[string]interface{}{"v": 1.0}},
		Ping{Nonce: 3},
	}
	for _, f := range in {
		require.NoError(t, codec.WriteFrame(&buf, f))
	}

	for _, want := range in {
		got, err := codec.ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Stream exhausted
	_, err := codec.ReadFrame(&buf)
	require.Error(t, err)
}

func TestReadFrameRejectsOversizedPrefixBeforeReadingPayload(t *testing.T) {
	codec := NewCodec(32)

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], 1<<30)
	header[4] = byte(TypeTelemetry)

	_, err := codec.ReadFrame(bytes.NewReader(header))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPayloadTooLarge)
}

// fixChecksum recomputes the trailing CRC over type byte + payload.
func fixChecksum(b []byte) {
	payloadLen := binary.BigEndian.Uint32(b[0:4])
	end := headerSize + int(payloadLen)
	sum := crc32.ChecksumIEEE(b[4:end])
	binary.BigEndian.PutUint32(b[end:end+checksumSize], sum)
}
