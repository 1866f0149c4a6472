package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/voicecore/audio"
	"github.com/opd-ai/voicecore/crypto"
	"github.com/opd-ai/voicecore/phase"
	"github.com/opd-ai/voicecore/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultPingInterval is the primary path liveness cadence.
const DefaultPingInterval = time.Second

// ErrNoRemote is returned when a VoiceTransport is built without a server address.
var ErrNoRemote = errors.New("voice transport requires a remote address")

// Tunnel relays voice frames over the reliable control connection while
// the primary path is unhealthy.
type Tunnel interface {
	TunnelVoice(ctx context.Context, pkt *protocol.VoicePacket) error
}

// Config wires a VoiceTransport to its collaborators.
type Config struct {
	// Remote is the server's UDP address, host:port.
	Remote string
	Crypto *crypto.Channel
	Phase  *phase.Machine
	Source audio.FrameSource
	Sink   audio.VoiceSink
	Tunnel Tunnel

	// PingInterval defaults to DefaultPingInterval.
	PingInterval time.Duration

	// OnVoice, when set, observes every received voice packet after it
	// has been handed to Sink, whichever path it arrived on.
	OnVoice func(pkt *protocol.VoicePacket)
}

// Stats counts VoiceTransport traffic since it was created.
type Stats struct {
	VoiceSent       uint64
	VoiceTunneled   uint64
	VoiceReceived   uint64
	VoiceDropped    uint64 // outgoing frames that could not be sent
	PingsSent       uint64
	PingsAcked      uint64
	DecryptFailures uint64
	ParseFailures   uint64
	Rebinds         uint64
	Generation      uint64
	LocalAddr       string
}

// VoiceTransport moves voice between the capture chain, the server and the
// mixer. It sends on the primary UDP path while the phase is
// Connected(Primary) and through the Tunnel while Connected(Fallback).
type VoiceTransport struct {
	cfg     Config
	remote  *net.UDPAddr
	tracker *PingLivenessTracker

	mu   sync.Mutex
	conn *cryptConn

	voiceSent       atomic.Uint64
	voiceTunneled   atomic.Uint64
	voiceReceived   atomic.Uint64
	voiceDropped    atomic.Uint64
	decryptFailures atomic.Uint64
	parseFailures   atomic.Uint64
	rebinds         atomic.Uint64
}

// NewVoiceTransport validates cfg and resolves the server address.
func NewVoiceTransport(cfg Config) (*VoiceTransport, error) {
	if cfg.Remote == "" {
		return nil, ErrNoRemote
	}
	if cfg.Crypto == nil || cfg.Phase == nil || cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("voice transport requires crypto, phase, source and sink")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	remote, err := net.ResolveUDPAddr("udp", cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("resolve voice address %q: %w", cfg.Remote, err)
	}

	return &VoiceTransport{
		cfg:     cfg,
		remote:  remote,
		tracker: NewPingLivenessTracker(),
	}, nil
}

// Run drives the transport for one connection. It waits for the first
// crypto session, binds the primary socket and runs the receive, send,
// ping and rotation tasks until the phase leaves the connection or ctx is
// done. A phase-driven stop returns nil.
func (t *VoiceTransport) Run(ctx context.Context) error {
	scope, cancel := phase.Scope(ctx, t.cfg.Phase, phase.IsActive)
	defer cancel()

	t.tracker.Reset()

	session, err := t.cfg.Crypto.Wait(scope)
	if err != nil {
		return t.stopReason(ctx, scope, err)
	}

	conn, err := dialCrypt(scope, t.remote, session)
	if err != nil {
		return err
	}
	t.setConn(conn)
	defer t.closeConn()

	logrus.WithFields(logrus.Fields{
		"function":   "VoiceTransport.Run",
		"remote":     t.remote.String(),
		"local":      conn.localAddr().String(),
		"generation": session.Generation(),
	}).Info("Voice transport started")

	g, gctx := errgroup.WithContext(scope)
	g.Go(func() error { return t.listen(gctx) })
	g.Go(func() error { return t.sendVoice(gctx) })
	g.Go(func() error { return t.sendPings(gctx) })
	g.Go(func() error { return t.rotate(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		t.closeConn()
		return nil
	})

	err = g.Wait()
	logrus.WithFields(logrus.Fields{
		"function": "VoiceTransport.Run",
		"remote":   t.remote.String(),
	}).Info("Voice transport stopped")
	return t.stopReason(ctx, scope, err)
}

// stopReason maps the end of Run to its result: nil when the phase ended
// the connection, the parent's error when it was cancelled, err otherwise.
func (t *VoiceTransport) stopReason(parent, scope context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(context.Cause(scope), phase.ErrPhaseLeft) {
		return nil
	}
	return err
}

func (t *VoiceTransport) current() *cryptConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *VoiceTransport) setConn(c *cryptConn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

// swapConn installs next and closes the previous socket so its reader
// unblocks.
func (t *VoiceTransport) swapConn(next *cryptConn) {
	t.mu.Lock()
	prev := t.conn
	t.conn = next
	t.mu.Unlock()

	if prev != nil {
		_ = prev.close()
	}
}

func (t *VoiceTransport) closeConn() {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c != nil {
		_ = c.close()
	}
}

// listen reads datagrams from whichever socket is live. Each read is
// decrypted only with the session of the socket it was read from.
func (t *VoiceTransport) listen(ctx context.Context) error {
	buffer := make([]byte, maxDatagramSize)
	for {
		c := t.current()
		plain, err := c.read(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errDiscard) {
				t.discard(c, err)
				continue
			}
			if c != t.current() {
				// Replaced by a rotation.
				continue
			}
			return fmt.Errorf("voice socket read: %w", err)
		}
		t.handleDatagram(plain)
	}
}

func (t *VoiceTransport) discard(c *cryptConn, err error) {
	t.decryptFailures.Add(1)
	logrus.WithFields(logrus.Fields{
		"function":   "VoiceTransport.listen",
		"generation": c.session.Generation(),
		"error":      err.Error(),
	}).Warn("Discarding undecryptable datagram")
}

func (t *VoiceTransport) handleDatagram(plain []byte) {
	dg, err := protocol.Parse(plain, protocol.Clientbound)
	if err != nil {
		t.parseFailures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "VoiceTransport.handleDatagram",
			"size":     len(plain),
			"error":    err.Error(),
		}).Warn("Discarding malformed datagram")
		return
	}

	switch pkt := dg.(type) {
	case *protocol.PingPacket:
		t.handlePing(pkt.Timestamp)
	case *protocol.VoicePacket:
		t.deliver(pkt)
	}
}

func (t *VoiceTransport) handlePing(timestamp uint64) {
	if !t.tracker.Ack(timestamp) {
		logrus.WithFields(logrus.Fields{
			"function":  "VoiceTransport.handlePing",
			"timestamp": timestamp,
		}).Debug("Ignoring echo of unsent ping")
		return
	}
	if t.cfg.Phase.Current() != phase.Fallback {
		return
	}
	if _, err := t.cfg.Phase.Fire(phase.PingAcked); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VoiceTransport.handlePing",
			"error":    err.Error(),
		}).Debug("Phase rejected ping ack")
	}
}

// deliver hands a received voice packet to the sink and the observer.
func (t *VoiceTransport) deliver(pkt *protocol.VoicePacket) {
	t.voiceReceived.Add(1)
	if err := t.cfg.Sink.Decode(pkt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "VoiceTransport.deliver",
			"session":  pkt.Session,
			"sequence": pkt.Sequence,
			"error":    err.Error(),
		}).Debug("Voice sink rejected packet")
	}
	if t.cfg.OnVoice != nil {
		t.cfg.OnVoice(pkt)
	}
}

// DeliverTunneled handles a clientbound voice packet that arrived through
// the control link.
func (t *VoiceTransport) DeliverTunneled(data []byte) error {
	dg, err := protocol.Parse(data, protocol.Clientbound)
	if err != nil {
		t.parseFailures.Add(1)
		return fmt.Errorf("tunneled packet: %w", err)
	}
	pkt, ok := dg.(*protocol.VoicePacket)
	if !ok {
		return fmt.Errorf("tunneled packet is not voice: kind %d", dg.Kind())
	}
	t.deliver(pkt)
	return nil
}

// sendVoice forwards captured frames while connected. Both paths pull
// from the same queue so a path switch loses no queued frame.
func (t *VoiceTransport) sendVoice(ctx context.Context) error {
	err := phase.Run(ctx, t.cfg.Phase, phase.IsConnected, func(ctx context.Context) error {
		frames := t.cfg.Source.Frames()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case pkt := <-frames:
				t.sendFrame(ctx, pkt)
			}
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (t *VoiceTransport) sendFrame(ctx context.Context, pkt *protocol.VoicePacket) {
	switch t.cfg.Phase.Current() {
	case phase.Primary:
		if err := t.sendPrimary(pkt); err != nil {
			t.voiceDropped.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "VoiceTransport.sendFrame",
				"sequence": pkt.Sequence,
				"error":    err.Error(),
			}).Warn("Failed to send voice frame")
			return
		}
		t.voiceSent.Add(1)
	case phase.Fallback:
		if t.cfg.Tunnel == nil {
			t.voiceDropped.Add(1)
			return
		}
		if err := t.cfg.Tunnel.TunnelVoice(ctx, pkt); err != nil {
			t.voiceDropped.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "VoiceTransport.sendFrame",
				"sequence": pkt.Sequence,
				"error":    err.Error(),
			}).Warn("Failed to tunnel voice frame")
			return
		}
		t.voiceTunneled.Add(1)
	default:
		t.voiceDropped.Add(1)
	}
}

// sendPrimary encrypts and sends a voice packet on the live socket.
func (t *VoiceTransport) sendPrimary(pkt *protocol.VoicePacket) error {
	data, err := pkt.Marshal(protocol.Serverbound)
	if err != nil {
		return err
	}
	return t.sendPlain(data)
}

// sendPlain seals data on the live socket, retrying once if a rotation
// retired the session between snapshot and seal.
func (t *VoiceTransport) sendPlain(data []byte) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		c := t.current()
		if c == nil {
			return net.ErrClosed
		}
		if err = c.send(data); !errors.Is(err, crypto.ErrSessionRetired) {
			return err
		}
	}
	return err
}

// sendPings runs the liveness check: each tick, a still-unacknowledged
// previous ping moves Connected(Primary) to Connected(Fallback), then the
// next ping goes out on the primary path.
func (t *VoiceTransport) sendPings(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		t.ping()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *VoiceTransport) ping() {
	timestamp, missed := t.tracker.NextPing()
	if missed && t.cfg.Phase.Current() == phase.Primary {
		lastSent, lastAcked := t.tracker.Snapshot()
		logrus.WithFields(logrus.Fields{
			"function":   "VoiceTransport.ping",
			"last_sent":  lastSent,
			"last_acked": lastAcked,
		}).Warn("Primary path ping unanswered, falling back to tunnel")
		if _, err := t.cfg.Phase.Fire(phase.PingLost); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "VoiceTransport.ping",
				"error":    err.Error(),
			}).Debug("Phase rejected ping loss")
		}
	}

	ping := protocol.PingPacket{Timestamp: timestamp}
	if err := t.sendPlain(ping.Marshal()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "VoiceTransport.ping",
			"timestamp": timestamp,
			"error":     err.Error(),
		}).Debug("Ping send failed")
	}
}

// rotate rebinds the primary socket for every new crypto generation.
func (t *VoiceTransport) rotate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case next := <-t.cfg.Crypto.Rotations():
			if c := t.current(); c != nil && next.Generation() <= c.session.Generation() {
				continue
			}
			conn, err := dialCrypt(ctx, t.remote, next)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("rebind after rotation: %w", err)
			}
			t.swapConn(conn)
			t.rebinds.Add(1)
			logrus.WithFields(logrus.Fields{
				"function":   "VoiceTransport.rotate",
				"generation": next.Generation(),
				"local":      conn.localAddr().String(),
			}).Info("Voice socket rebound for new crypto session")
		}
	}
}

// Stats returns traffic counters.
func (t *VoiceTransport) Stats() Stats {
	sent, acked := t.tracker.Counts()
	st := Stats{
		VoiceSent:       t.voiceSent.Load(),
		VoiceTunneled:   t.voiceTunneled.Load(),
		VoiceReceived:   t.voiceReceived.Load(),
		VoiceDropped:    t.voiceDropped.Load(),
		PingsSent:       sent,
		PingsAcked:      acked,
		DecryptFailures: t.decryptFailures.Load(),
		ParseFailures:   t.parseFailures.Load(),
		Rebinds:         t.rebinds.Load(),
	}
	if c := t.current(); c != nil {
		st.Generation = c.session.Generation()
		st.LocalAddr = c.localAddr().String()
	}
	return st
}

// Tracker exposes the liveness tracker for status reporting.
func (t *VoiceTransport) Tracker() *PingLivenessTracker {
	return t.tracker
}
