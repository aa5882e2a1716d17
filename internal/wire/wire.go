// Package wire defines the JSON frames exchanged between the router
// and machine agents over the duplex WebSocket channel.
//
// Frames are small JSON objects discriminated by a "type" field.
// Binary frames are tolerated at either end and decoded the same way;
// an unrecognized type is logged and ignored rather than treated as a
// protocol error, so either side can be upgraded independently.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame types sent by the agent.
const (
	TypeAuth          = "auth"
	TypePing          = "ping"
	TypeAck           = "ack"
	TypeCommandResult = "commandResult"
)

// Frame types sent by the router.
const (
	TypePong    = "pong"
	TypeCommand = "command"
)

// Subprotocol is the WebSocket subprotocol spoken on the duplex
// channel. The agent offers it alongside its credential token.
const Subprotocol = "termrelay.v1"

// CredentialPrefix prefixes the API key when carried as a WebSocket
// subprotocol offer, for handshake transports that cannot set an
// Authorization header.
const CredentialPrefix = "termrelay.auth."

// Close codes used by the router when tearing down a duplex channel.
const (
	CloseReplaced     = 4005 // a newer connection for the same machine took over
	CloseUnauthorized = 4001
)

// Frame is the envelope for every duplex message. Unused fields are
// omitted from the encoded form.
type Frame struct {
	Type string `json:"type"`

	// TypeAuth.
	APIKey string `json:"apiKey,omitempty"`

	// TypeCommand, TypeAck, TypeCommandResult.
	CommandID string `json:"command_id,omitempty"`

	// TypeCommand.
	SessionID string `json:"session_id,omitempty"`
	Command   string `json:"command,omitempty"`

	// TypeCommand, TypeCommandResult.
	ChatID int64 `json:"chatId,omitempty"`

	// TypeCommandResult.
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Encode marshals a frame for transmission.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode unmarshals a received frame. Empty payloads (e.g. a binary
// frame carrying no data) decode to the zero frame, whose empty type
// is then skipped by the caller.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, nil
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Ping returns a ready-made ping frame.
func Ping() Frame { return Frame{Type: TypePing} }

// Pong returns a ready-made pong frame.
func Pong() Frame { return Frame{Type: TypePong} }

// Ack returns an ack frame for a command id.
func Ack(commandID string) Frame {
	return Frame{Type: TypeAck, CommandID: commandID}
}

// Command returns a command frame.
func Command(commandID, sessionID, command string, chatID int64) Frame {
	return Frame{
		Type:      TypeCommand,
		CommandID: commandID,
		SessionID: sessionID,
		Command:   command,
		ChatID:    chatID,
	}
}

// Result returns a commandResult frame.
func Result(commandID string, success bool, errMsg string, chatID int64) Frame {
	return Frame{
		Type:      TypeCommandResult,
		CommandID: commandID,
		Success:   success,
		Error:     errMsg,
		ChatID:    chatID,
	}
}
