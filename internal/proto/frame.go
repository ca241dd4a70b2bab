package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// FrameKind tags a decoded wire frame.
type FrameKind int

const (
	// KindChat is relay-worthy chat text.
	KindChat FrameKind = iota
	// KindHeartbeat is the client liveness probe.
	KindHeartbeat
	// KindHeartbeatAck is the server's reply to a heartbeat.
	KindHeartbeatAck
	// KindNotice is out-of-band text shown as a UI hint, server to client only.
	KindNotice
	// KindCommand is a binary command frame: uint16 code plus payload.
	KindCommand
)

// Reserved wire tokens of the Sync plugin protocol.
const (
	heartbeatToken    = "\x01\x01HEARTCHECK"
	heartbeatAckToken = "\x01\x02HEARTCHECKOK"
)

var noticeHeader = []byte{0x01, 0x03, 0x01}

// Command codes carried by binary frames.
const (
	CodeTokenRequest uint16 = 1
	CodeTokenReply   uint16 = 2
)

var ErrShortFrame = errors.New("binary frame shorter than command header")

// Frame is one decoded message from either direction of the socket.
// Text is set for chat and notice frames; Code and Payload for command frames.
type Frame struct {
	Kind    FrameKind
	Text    string
	Code    uint16
	Payload []byte
}

// DecodeText classifies a text message received from the client.
func DecodeText(data []byte) Frame {
	if string(data) == heartbeatToken {
		return Frame{Kind: KindHeartbeat}
	}
	if bytes.HasPrefix(data, noticeHeader) {
		return Frame{Kind: KindNotice, Text: string(data[len(noticeHeader):])}
	}
	return Frame{Kind: KindChat, Text: string(data)}
}

// DecodeBinary parses a binary command frame.
func DecodeBinary(data []byte) (Frame, error) {
	if len(data) < 2 {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		Kind:    KindCommand,
		Code:    binary.LittleEndian.Uint16(data),
		Payload: data[2:],
	}, nil
}

// EncodeText renders an outbound text frame. Command frames are not text;
// use EncodeBinary for those.
func EncodeText(f Frame) []byte {
	switch f.Kind {
	case KindHeartbeatAck:
		return []byte(heartbeatAckToken)
	case KindHeartbeat:
		return []byte(heartbeatToken)
	case KindNotice:
		buf := make([]byte, 0, len(noticeHeader)+len(f.Text))
		buf = append(buf, noticeHeader...)
		return append(buf, f.Text...)
	default:
		return []byte(f.Text)
	}
}

// EncodeBinary renders an outbound command frame.
func EncodeBinary(f Frame) []byte {
	buf := make([]byte, 2, 2+len(f.Payload))
	binary.LittleEndian.PutUint16(buf, f.Code)
	return append(buf, f.Payload...)
}

// TokenReply builds the binary reply to a token request: the command code
// followed by an int32 little-endian length and the UTF-8 token bytes.
func TokenReply(token string) Frame {
	payload := make([]byte, 4, 4+len(token))
	binary.LittleEndian.PutUint32(payload, uint32(len(token)))
	payload = append(payload, token...)
	return Frame{Kind: KindCommand, Code: CodeTokenReply, Payload: payload}
}

// Chat builds a relay-worthy text frame.
func Chat(text string) Frame {
	return Frame{Kind: KindChat, Text: text}
}

// Notice builds an out-of-band notice frame.
func Notice(text string) Frame {
	return Frame{Kind: KindNotice, Text: text}
}

// HeartbeatAck builds the heartbeat reply frame.
func HeartbeatAck() Frame {
	return Frame{Kind: KindHeartbeatAck}
}

// Binary reports whether the frame must travel as a binary websocket message.
func (f Frame) Binary() bool {
	return f.Kind == KindCommand
}
