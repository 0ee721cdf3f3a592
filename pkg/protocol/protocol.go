// Package protocol defines the JSON messages exchanged with facility gateways.
//
// Every frame is a JSON object carrying a "type" discriminator. Messages form a
// closed set: Decode is the only way to turn a frame into a Message and it
// rejects unknown types instead of passing them through.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the frame discriminator.
type Type string

const (
	TypeAuth          Type = "AUTH"
	TypeAuthOK        Type = "AUTH_OK"
	TypePing          Type = "PING"
	TypePong          Type = "PONG"
	TypePongOK        Type = "PONG_OK"
	TypeProxyRequest  Type = "PROXY_REQUEST"
	TypeProxyResponse Type = "PROXY_RESPONSE"
	TypeCommand       Type = "COMMAND"
	TypeCommandAck    Type = "COMMAND_ACK"
)

// CmdType identifies the kind of signed command pushed to a gateway.
type CmdType string

const (
	CmdDenylistAdd    CmdType = "DENYLIST_ADD"
	CmdDenylistRemove CmdType = "DENYLIST_REMOVE"
	CmdSecureTimeSync CmdType = "SECURE_TIME_SYNC"
)

// CmdTypes lists every command type the gateways understand.
var CmdTypes = []CmdType{CmdDenylistAdd, CmdDenylistRemove, CmdSecureTimeSync}

// Valid reports whether c is a known command type.
func (c CmdType) Valid() bool {
	switch c {
	case CmdDenylistAdd, CmdDenylistRemove, CmdSecureTimeSync:
		return true
	default:
		return false
	}
}

var (
	// ErrUnknownType is returned by Decode for frames with an unrecognised type.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrMalformed is returned by Decode for frames that are not valid messages.
	ErrMalformed = errors.New("protocol: malformed message")
)

// Message is implemented by every frame type in this package and nothing else.
type Message interface {
	Type() Type
	sealed()
}

// Auth opens a gateway session.
type Auth struct {
	Token      string `json:"token"`
	FacilityID string `json:"facilityId"`
}

// AuthOK acknowledges a successful handshake.
type AuthOK struct {
	FacilityID string `json:"facilityId"`
}

// Ping is the server liveness probe.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// PongOK reports a completed forced probe to operators.
type PongOK struct {
	FacilityID string `json:"facilityId"`
	TS         int64  `json:"ts"`
}

// ProxyRequest is one half of a tunnelled HTTP exchange.
type ProxyRequest struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
}

// ProxyResponse answers the ProxyRequest with the same ID.
type ProxyResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Command pushes a signed payload to a gateway.
type Command struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// CommandAck is the gateway's answer to a Command.
type CommandAck struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (Auth) Type() Type          { return TypeAuth }
func (AuthOK) Type() Type        { return TypeAuthOK }
func (Ping) Type() Type          { return TypePing }
func (Pong) Type() Type          { return TypePong }
func (PongOK) Type() Type        { return TypePongOK }
func (ProxyRequest) Type() Type  { return TypeProxyRequest }
func (ProxyResponse) Type() Type { return TypeProxyResponse }
func (Command) Type() Type       { return TypeCommand }
func (CommandAck) Type() Type    { return TypeCommandAck }

func (Auth) sealed()          {}
func (AuthOK) sealed()        {}
func (Ping) sealed()          {}
func (Pong) sealed()          {}
func (PongOK) sealed()        {}
func (ProxyRequest) sealed()  {}
func (ProxyResponse) sealed() {}
func (Command) sealed()       {}
func (CommandAck) sealed()    {}

func (m Auth) MarshalJSON() ([]byte, error) {
	type body Auth
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeAuth, body(m)})
}

func (m AuthOK) MarshalJSON() ([]byte, error) {
	type body AuthOK
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeAuthOK, body(m)})
}

func (Ping) MarshalJSON() ([]byte, error) { return []byte(`{"type":"PING"}`), nil }

func (Pong) MarshalJSON() ([]byte, error) { return []byte(`{"type":"PONG"}`), nil }

func (m PongOK) MarshalJSON() ([]byte, error) {
	type body PongOK
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypePongOK, body(m)})
}

func (m ProxyRequest) MarshalJSON() ([]byte, error) {
	type body ProxyRequest
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeProxyRequest, body(m)})
}

func (m ProxyResponse) MarshalJSON() ([]byte, error) {
	type body ProxyResponse
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeProxyResponse, body(m)})
}

func (m Command) MarshalJSON() ([]byte, error) {
	type body Command
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeCommand, body(m)})
}

func (m CommandAck) MarshalJSON() ([]byte, error) {
	type body CommandAck
	return json.Marshal(struct {
		Type Type `json:"type"`
		body
	}{TypeCommandAck, body(m)})
}

// Encode serialises m including its type discriminator.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("protocol: nil message")
	}
	return json.Marshal(m)
}

// Decode parses a frame into its concrete message type.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case TypeAuth:
		return decodeAs[Auth](data)
	case TypeAuthOK:
		return decodeAs[AuthOK](data)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypePongOK:
		return decodeAs[PongOK](data)
	case TypeProxyRequest:
		msg, err := decodeAs[ProxyRequest](data)
		if err != nil {
			return nil, err
		}
		if msg.ID == "" || msg.Method == "" || msg.Path == "" {
			return nil, fmt.Errorf("%w: proxy request requires id, method and path", ErrMalformed)
		}
		return msg, nil
	case TypeProxyResponse:
		msg, err := decodeAs[ProxyResponse](data)
		if err != nil {
			return nil, err
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: proxy response requires id", ErrMalformed)
		}
		return msg, nil
	case TypeCommand:
		return decodeAs[Command](data)
	case TypeCommandAck:
		msg, err := decodeAs[CommandAck](data)
		if err != nil {
			return nil, err
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: command ack requires id", ErrMalformed)
		}
		return msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func decodeAs[T Message](data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}
