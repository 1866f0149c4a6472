package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Kind identifies the type of a primary-path datagram.
type Kind uint8

const (
	// KindPing is a liveness ping carrying a timestamp.
	KindPing Kind = 1
	// KindOpus is a voice packet carrying an Opus frame.
	KindOpus Kind = 4
)

// Target selects who hears a voice packet.
type Target uint8

const (
	// TargetNormal speaks to the current channel.
	TargetNormal Target = 0
	// TargetLoopback asks the server to send the packet straight back.
	TargetLoopback Target = 31
)

// IsWhisper reports whether t addresses a whisper slot (1..30).
func (t Target) IsWhisper() bool {
	return t > TargetNormal && t < TargetLoopback
}

// Direction selects the voice layout; clientbound packets carry the
// originating session id.
type Direction int

const (
	Serverbound Direction = iota
	Clientbound
)

// MaxPayloadSize is the largest Opus payload the length header can describe.
const MaxPayloadSize = 0x1FFF

const terminatorBit = 0x2000

var (
	// ErrPacketTooShort is returned for an empty datagram.
	ErrPacketTooShort = errors.New("packet too short")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("voice payload too large")
	// ErrUnknownKind is returned for header kinds other than ping and Opus.
	ErrUnknownKind = errors.New("unknown packet kind")
	// ErrPayloadHeader is returned when a payload header sets bits above
	// the terminator flag.
	ErrPayloadHeader = errors.New("malformed voice payload header")
)

// Datagram is a decoded primary-path packet: *PingPacket or *VoicePacket.
type Datagram interface {
	Kind() Kind
}

// PingPacket is the liveness check exchanged on the primary path.
type PingPacket struct {
	Timestamp uint64
}

// Kind implements Datagram.
func (p *PingPacket) Kind() Kind { return KindPing }

// Marshal encodes the ping.
func (p *PingPacket) Marshal() []byte {
	out := make([]byte, 0, 10)
	out = append(out, byte(KindPing)<<5)
	return AppendVarint(out, p.Timestamp)
}

// VoicePacket is one encoded voice frame.
type VoicePacket struct {
	Target   Target
	Session  uint32 // set on clientbound packets only
	Sequence uint64
	Payload  []byte
	// EndOfTransmission marks the last frame of a talk spurt.
	EndOfTransmission bool
	Position          *[3]float32
}

// Kind implements Datagram.
func (v *VoicePacket) Kind() Kind { return KindOpus }

// Marshal encodes the voice packet for the given direction.
func (v *VoicePacket) Marshal(dir Direction) ([]byte, error) {
	if len(v.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(v.Payload))
	}
	if v.Target > TargetLoopback {
		return nil, fmt.Errorf("invalid voice target %d", v.Target)
	}

	out := make([]byte, 0, 1+5+9+2+len(v.Payload)+12)
	out = append(out, byte(KindOpus)<<5|byte(v.Target))
	if dir == Clientbound {
		out = AppendVarint(out, uint64(v.Session))
	}
	out = AppendVarint(out, v.Sequence)

	header := uint64(len(v.Payload))
	if v.EndOfTransmission {
		header |= terminatorBit
	}
	out = AppendVarint(out, header)
	out = append(out, v.Payload...)

	if v.Position != nil {
		for _, f := range v.Position {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
		}
	}
	return out, nil
}

// Parse decodes a decrypted primary-path datagram.
func Parse(data []byte, dir Direction) (Datagram, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}

	kind := Kind(data[0] >> 5)
	switch kind {
	case KindPing:
		ts, _, err := ReadVarint(data[1:])
		if err != nil {
			return nil, fmt.Errorf("ping timestamp: %w", err)
		}
		return &PingPacket{Timestamp: ts}, nil
	case KindOpus:
		return parseVoice(data, dir)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

func parseVoice(data []byte, dir Direction) (*VoicePacket, error) {
	pkt := &VoicePacket{Target: Target(data[0] & 0x1F)}
	off := 1

	if dir == Clientbound {
		session, n, err := ReadVarint(data[off:])
		if err != nil {
			return nil, fmt.Errorf("voice session: %w", err)
		}
		if session > math.MaxUint32 {
			return nil, fmt.Errorf("voice session out of range: %d", session)
		}
		pkt.Session = uint32(session)
		off += n
	}

	seq, n, err := ReadVarint(data[off:])
	if err != nil {
		return nil, fmt.Errorf("voice sequence: %w", err)
	}
	pkt.Sequence = seq
	off += n

	header, n, err := ReadVarint(data[off:])
	if err != nil {
		return nil, fmt.Errorf("voice payload header: %w", err)
	}
	off += n

	if header&^(MaxPayloadSize|terminatorBit) != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrPayloadHeader, header)
	}
	size := int(header & MaxPayloadSize)
	pkt.EndOfTransmission = header&terminatorBit != 0
	if len(data)-off < size {
		return nil, fmt.Errorf("voice payload truncated: want %d bytes, have %d", size, len(data)-off)
	}
	pkt.Payload = make([]byte, size)
	copy(pkt.Payload, data[off:off+size])
	off += size

	if len(data)-off >= 12 {
		var pos [3]float32
		for i := range pos {
			pos[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*i:]))
		}
		pkt.Position = &pos
	}

	return pkt, nil
}
