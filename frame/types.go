// Package frame implements the gateway wire codec. A frame on the wire is
//
//	[4-byte big-endian payload length][1-byte frame type][payload][4-byte CRC-32]
//
// where the checksum covers the type byte and the payload. Payload bodies are
// msgpack-encoded. Decoding is total: any byte sequence either yields a
// well-formed Frame or a typed decode error, never a panic or out-of-bounds
// read. The codec holds no shared state and is safe for concurrent use across
// sessions.
package frame

// Type identifies the kind of payload a frame carries.
type Type byte

// Frame type values on the wire. The set is closed: decoding any other value
// fails with ErrUnknownFrameType.
const (
	TypeHandshake    Type = 0x01
	TypeHandshakeAck Type = 0x02
	TypeTelemetry    Type = 0x10
	TypeCommand      Type = 0x20
	TypeCommandAck   Type = 0x21
	TypeDisconnect   Type = 0x30
	TypePing         Type = 0x40
	TypePong         Type = 0x41
)

// String returns a human-readable name for the frame type.
func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHandshakeAck:
		return "handshake_ack"
	case TypeTelemetry:
		return "telemetry"
	case TypeCommand:
		return "command"
	case TypeCommandAck:
		return "command_ack"
	case TypeDisconnect:
		return "disconnect"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame is the closed set of decoded wire messages. Concrete frame types are
// the only implementations; downstream components switch over them
// exhaustively.
type Frame interface {
	// FrameType returns the wire type tag for this frame.
	FrameType() Type

	// sealed prevents implementations outside this package.
	sealed()
}

// Handshake is the first frame a device sends on a new connection.
type Handshake struct {
	DeviceID        string   `msgpack:"device_id"`
	ProtocolVersion int      `msgpack:"protocol_version"`
	Capabilities    []string `msgpack:"capabilities,omitempty"`
}

// FrameType implements Frame.
func (Handshake) FrameType() Type { return TypeHandshake }
func (Handshake) sealed()         {}

// HandshakeAck is the gateway's reply completing or refusing a handshake.
type HandshakeAck struct {
	Accepted        bool   `msgpack:"accepted"`
	SessionToken    string `msgpack:"session_token,omitempty"`
	ProtocolVersion int    `msgpack:"protocol_version"`
	Reason          string `msgpack:"reason,omitempty"`
}

// FrameType implements Frame.
func (HandshakeAck) FrameType() Type { return TypeHandshakeAck }
func (HandshakeAck) sealed()         {}

// Telemetry carries one device measurement. The device assigns Seq; a zero
// Seq means the gateway assigns one on ingestion.
type Telemetry struct {
	Seq           uint64                 `msgpack:"seq"`
	SchemaVersion int                    `msgpack:"schema_version"`
	TimestampMs   int64                  `msgpack:"timestamp_ms"`
	Fields        map[string]interface{} `msgpack:"fields"`
}

// FrameType implements Frame.
func (Telemetry) FrameType() Type { return TypeTelemetry }
func (Telemetry) sealed()         {}

// Command is an outbound instruction pushed to a device.
type Command struct {
	ID          string                 `msgpack:"id"`
	Name        string                 `msgpack:"name"`
	Params      map[string]interface{} `msgpack:"params,omitempty"`
	ExpiresAtMs int64                  `msgpack:"expires_at_ms"`
}

// FrameType implements Frame.
func (Command) FrameType() Type { return TypeCommand }
func (Command) sealed()         {}

// CommandAck acknowledges receipt of a command by its ID.
type CommandAck struct {
	ID string `msgpack:"id"`
}

// FrameType implements Frame.
func (CommandAck) FrameType() Type { return TypeCommandAck }
func (CommandAck) sealed()         {}

// Disconnect is a protocol-level notice that the peer is going away.
type Disconnect struct {
	Reason string `msgpack:"reason,omitempty"`
}

// FrameType implements Frame.
func (Disconnect) FrameType() Type { return TypeDisconnect }
func (Disconnect) sealed()         {}

// Ping probes liveness; the peer answers with Pong carrying the same nonce.
type Ping struct {
	Nonce uint64 `msgpack:"nonce"`
}

// FrameType implements Frame.
func (Ping) FrameType() Type { return TypePing }
func (Ping) sealed()         {}

// Pong answers a Ping.
type Pong struct {
	Nonce uint64 `msgpack:"nonce"`
}

// FrameType implements Frame.
func (Pong) FrameType() Type { return TypePong }
func (Pong) sealed()         {}
