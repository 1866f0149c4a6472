package control

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates the handshake already finished.
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// Role selects which side of the handshake a peer plays.
type Role uint8

const (
	// Initiator is the connecting client.
	Initiator Role = iota
	// Responder is the accepting server.
	Responder
)

// cipherSuite is Noise_NN_25519_ChaChaPoly_SHA256.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// NNHandshake runs the Noise NN pattern: -> e, <- e, ee. Neither side has
// a static key; the link is encrypted but unauthenticated, and the
// application authenticates inside it.
type NNHandshake struct {
	role       Role
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewNNHandshake creates the handshake state for role.
func NewNNHandshake(role Role) (*NNHandshake, error) {
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   role == Initiator,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return &NNHandshake{role: role, state: state}, nil
}

// Initiate writes the initiator's first message.
func (h *NNHandshake) Initiate() ([]byte, error) {
	if h.role != Initiator {
		return nil, errors.New("only the initiator writes the first message")
	}
	if h.complete {
		return nil, ErrHandshakeComplete
	}
	msg, _, _, err := h.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("initiator write failed: %w", err)
	}
	return msg, nil
}

// Respond reads the initiator's message and writes the reply, completing
// the responder's side.
func (h *NNHandshake) Respond(received []byte) ([]byte, error) {
	if h.role != Responder {
		return nil, errors.New("only the responder answers")
	}
	if h.complete {
		return nil, ErrHandshakeComplete
	}
	if _, _, _, err := h.state.ReadMessage(nil, received); err != nil {
		return nil, fmt.Errorf("responder read failed: %w", err)
	}
	msg, initToResp, respToInit, err := h.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("responder write failed: %w", err)
	}
	h.sendCipher, h.recvCipher = respToInit, initToResp
	h.complete = true
	return msg, nil
}

// Finish reads the responder's reply, completing the initiator's side.
func (h *NNHandshake) Finish(received []byte) error {
	if h.role != Initiator {
		return errors.New("only the initiator reads the reply")
	}
	if h.complete {
		return ErrHandshakeComplete
	}
	_, initToResp, respToInit, err := h.state.ReadMessage(nil, received)
	if err != nil {
		return fmt.Errorf("initiator read response failed: %w", err)
	}
	h.sendCipher, h.recvCipher = initToResp, respToInit
	h.complete = true
	return nil
}

// IsComplete reports whether cipher states are available.
func (h *NNHandshake) IsComplete() bool {
	return h.complete
}

// CipherStates returns the send and receive cipher states.
func (h *NNHandshake) CipherStates() (send, recv *noise.CipherState, err error) {
	if !h.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	if h.sendCipher == nil || h.recvCipher == nil {
		return nil, nil, errors.New("cipher states not available")
	}
	return h.sendCipher, h.recvCipher, nil
}

// ChannelBinding returns the handshake hash, identical on both sides.
func (h *NNHandshake) ChannelBinding() ([]byte, error) {
	if !h.complete {
		return nil, ErrHandshakeNotComplete
	}
	return h.state.ChannelBinding(), nil
}
