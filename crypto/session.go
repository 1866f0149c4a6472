package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the secretbox key size.
	KeySize = 32
	// IVSize is the per-direction nonce prefix size.
	IVSize = 16
	// CounterSize is the size of the counter prefixed to every packet.
	CounterSize = 8
	// PacketOverhead is the number of bytes Seal adds to a plaintext.
	PacketOverhead = CounterSize + secretbox.Overhead
	// MaxPlaintextSize bounds a single sealed datagram payload.
	MaxPlaintextSize = 4096
)

var (
	// ErrSessionRetired is returned by a session that has been superseded or wiped.
	ErrSessionRetired = errors.New("crypto session retired")
	// ErrPacketTooShort is returned for packets shorter than PacketOverhead.
	ErrPacketTooShort = errors.New("encrypted packet too short")
	// ErrDecryptFailed is returned when authentication fails.
	ErrDecryptFailed = errors.New("packet authentication failed")
	// ErrCounterExhausted is returned when the send counter would wrap.
	ErrCounterExhausted = errors.New("send counter exhausted")
)

// SessionParams is the key material delivered by the control channel for one
// generation. EncryptIV prefixes nonces we send; DecryptIV prefixes nonces
// the peer sends.
type SessionParams struct {
	Key        [KeySize]byte
	EncryptIV  [IVSize]byte
	DecryptIV  [IVSize]byte
	Generation uint64
}

// SessionStats counts the outcome of received packets.
type SessionStats struct {
	Good   uint64
	Late   uint64
	Lost   uint64
	Failed uint64
	Sent   uint64
}

// Session is one generation of primary-path key material.
type Session struct {
	mu          sync.Mutex
	key         [KeySize]byte
	encryptIV   [IVSize]byte
	decryptIV   [IVSize]byte
	generation  uint64
	sendCounter uint64
	window      ReplayWindow
	stats       SessionStats
	retired     bool
}

// NewSession creates a session from delivered key material.
func NewSession(params SessionParams) (*Session, error) {
	if isZero(params.Key[:]) {
		NewLogger("NewSession").
			WithGeneration(params.Generation).
			Error("Rejecting all-zero session key")
		return nil, errors.New("session key is all zeros")
	}
	if params.EncryptIV == params.DecryptIV {
		return nil, errors.New("encrypt and decrypt IV prefixes must differ")
	}

	NewLogger("NewSession").
		WithGeneration(params.Generation).
		WithKey(params.Key[:]).
		Debug("Crypto session created")

	return &Session{
		key:        params.Key,
		encryptIV:  params.EncryptIV,
		decryptIV:  params.DecryptIV,
		generation: params.Generation,
	}, nil
}

// Generation returns the session's generation counter.
func (s *Session) Generation() uint64 {
	return s.generation
}

// Seal encrypts plain into a new packet: counter || secretbox(plain).
func (s *Session) Seal(plain []byte) ([]byte, error) {
	if len(plain) > MaxPlaintextSize {
		return nil, fmt.Errorf("plaintext too large: %d bytes", len(plain))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return nil, ErrSessionRetired
	}
	if s.sendCounter == ^uint64(0) {
		return nil, ErrCounterExhausted
	}
	counter := s.sendCounter
	s.sendCounter++

	nonce := buildNonce(s.encryptIV, counter)
	out := make([]byte, CounterSize, PacketOverhead+len(plain))
	binary.BigEndian.PutUint64(out, counter)
	out = secretbox.Seal(out, plain, &nonce, &s.key)
	s.stats.Sent++
	return out, nil
}

// Open authenticates and decrypts a packet produced by the peer's Seal.
// Replayed and out-of-window counters are rejected.
func (s *Session) Open(packet []byte) ([]byte, error) {
	if len(packet) < PacketOverhead {
		return nil, ErrPacketTooShort
	}
	counter := binary.BigEndian.Uint64(packet[:CounterSize])

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return nil, ErrSessionRetired
	}
	if err := s.window.Check(counter); err != nil {
		s.stats.Failed++
		return nil, err
	}

	nonce := buildNonce(s.decryptIV, counter)
	plain, ok := secretbox.Open(nil, packet[CounterSize:], &nonce, &s.key)
	if !ok {
		s.stats.Failed++
		return nil, ErrDecryptFailed
	}

	skipped, late := s.window.Accept(counter)
	s.stats.Good++
	s.stats.Lost += skipped
	if late {
		s.stats.Late++
		if s.stats.Lost > 0 {
			s.stats.Lost--
		}
	}
	return plain, nil
}

// Stats returns a snapshot of packet counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Retire wipes the key material. Every later Seal or Open fails with
// ErrSessionRetired.
func (s *Session) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return
	}
	ZeroBytes(s.key[:])
	ZeroBytes(s.encryptIV[:])
	ZeroBytes(s.decryptIV[:])
	s.window.Reset()
	s.retired = true
}

// Retired reports whether Retire has been called.
func (s *Session) Retired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

func buildNonce(iv [IVSize]byte, counter uint64) [24]byte {
	var nonce [24]byte
	copy(nonce[:IVSize], iv[:])
	binary.BigEndian.PutUint64(nonce[IVSize:], counter)
	return nonce
}

// GenerateSessionParams creates fresh random key material for generation.
func GenerateSessionParams(generation uint64) (SessionParams, error) {
	var p SessionParams
	for _, buf := range [][]byte{p.Key[:], p.EncryptIV[:], p.DecryptIV[:]} {
		if _, err := rand.Read(buf); err != nil {
			return SessionParams{}, fmt.Errorf("failed to generate session material: %w", err)
		}
	}
	p.Generation = generation
	return p, nil
}

// Mirror returns the parameters as seen from the other end of the link.
func (p SessionParams) Mirror() SessionParams {
	p.EncryptIV, p.DecryptIV = p.DecryptIV, p.EncryptIV
	return p
}
