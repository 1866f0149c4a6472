package control

import (
	"errors"
	"fmt"

	"github.com/opd-ai/voicecore/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageType tags the body of an envelope.
type MessageType uint8

const (
	TypeAuthenticate MessageType = iota + 1
	TypeCryptSetup
	TypeServerSync
	TypeUserJoin
	TypeUserLeave
	TypeTunnel
	TypeReject
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeAuthenticate:
		return "authenticate"
	case TypeCryptSetup:
		return "crypt_setup"
	case TypeServerSync:
		return "server_sync"
	case TypeUserJoin:
		return "user_join"
	case TypeUserLeave:
		return "user_leave"
	case TypeTunnel:
		return "tunnel"
	case TypeReject:
		return "reject"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// ErrUnknownMessage is returned when decoding an envelope of an unknown type.
var ErrUnknownMessage = errors.New("unknown control message type")

// Message is one control link message.
type Message interface {
	Type() MessageType
}

// Authenticate is the client's first message after the handshake.
type Authenticate struct {
	Username string `msgpack:"username"`
}

// CryptSetup carries primary-path key material for one generation, from
// the client's point of view: ClientIV prefixes client-sent nonces.
type CryptSetup struct {
	Key        []byte `msgpack:"key"`
	ClientIV   []byte `msgpack:"client_iv"`
	ServerIV   []byte `msgpack:"server_iv"`
	Generation uint64 `msgpack:"generation"`
}

// ServerSync completes the connection and assigns the local session id.
type ServerSync struct {
	Session uint32 `msgpack:"session"`
	Welcome string `msgpack:"welcome,omitempty"`
}

// UserJoin announces a session becoming a member.
type UserJoin struct {
	Session uint32 `msgpack:"session"`
	Name    string `msgpack:"name"`
}

// UserLeave announces a session leaving.
type UserLeave struct {
	Session uint32 `msgpack:"session"`
}

// Tunnel carries one unencrypted primary-path voice datagram over the
// control link.
type Tunnel struct {
	Packet []byte `msgpack:"packet"`
}

// Reject refuses the connection; the server closes the link after it.
type Reject struct {
	Reason string `msgpack:"reason"`
}

func (*Authenticate) Type() MessageType { return TypeAuthenticate }
func (*CryptSetup) Type() MessageType   { return TypeCryptSetup }
func (*ServerSync) Type() MessageType   { return TypeServerSync }
func (*UserJoin) Type() MessageType     { return TypeUserJoin }
func (*UserLeave) Type() MessageType    { return TypeUserLeave }
func (*Tunnel) Type() MessageType       { return TypeTunnel }
func (*Reject) Type() MessageType       { return TypeReject }

// NewCryptSetup builds the message for params as the client sees them.
func NewCryptSetup(params crypto.SessionParams) *CryptSetup {
	return &CryptSetup{
		Key:        append([]byte(nil), params.Key[:]...),
		ClientIV:   append([]byte(nil), params.EncryptIV[:]...),
		ServerIV:   append([]byte(nil), params.DecryptIV[:]...),
		Generation: params.Generation,
	}
}

// Params converts the message to client-side session parameters.
func (c *CryptSetup) Params() (crypto.SessionParams, error) {
	var p crypto.SessionParams
	if len(c.Key) != crypto.KeySize {
		return p, fmt.Errorf("crypt setup key must be %d bytes, got %d", crypto.KeySize, len(c.Key))
	}
	if len(c.ClientIV) != crypto.IVSize || len(c.ServerIV) != crypto.IVSize {
		return p, fmt.Errorf("crypt setup nonces must be %d bytes", crypto.IVSize)
	}
	copy(p.Key[:], c.Key)
	copy(p.EncryptIV[:], c.ClientIV)
	copy(p.DecryptIV[:], c.ServerIV)
	p.Generation = c.Generation
	return p, nil
}

type envelope struct {
	Type MessageType        `msgpack:"type"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// Encode serializes msg into an envelope.
func Encode(msg Message) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return msgpack.Marshal(&envelope{Type: msg.Type(), Body: body})
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeAuthenticate:
		msg = &Authenticate{}
	case TypeCryptSetup:
		msg = &CryptSetup{}
	case TypeServerSync:
		msg = &ServerSync{}
	case TypeUserJoin:
		msg = &UserJoin{}
	case TypeUserLeave:
		msg = &UserLeave{}
	case TypeTunnel:
		msg = &Tunnel{}
	case TypeReject:
		msg = &Reject{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, env.Type)
	}
	if err := msgpack.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}
