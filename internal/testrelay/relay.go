// Package testrelay is a minimal voice server used by integration tests.
//
// A Relay listens for control links on TCP and voice datagrams on UDP at
// the same port. It assigns session ids, hands out crypto sessions, echoes
// pings and forwards every client's voice to all other clients.
package testrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/voicecore/control"
	"github.com/opd-ai/voicecore/crypto"
	"github.com/opd-ai/voicecore/protocol"
	"github.com/opd-ai/voicecore/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	bindAttempts = 10
	authTimeout  = 5 * time.Second
	// Welcome is sent in every ServerSync.
	Welcome = "voicecore test relay"
)

// ErrUnknownSession is returned for operations on a session that is not
// connected.
var ErrUnknownSession = errors.New("unknown session")

// Relay is a running test server.
type Relay struct {
	tcp *net.TCPListener
	udp *net.UDPConn

	mu          sync.Mutex
	clients     map[uint32]*client
	nextSession uint32
	maxUsers    uint32

	dropPings atomic.Bool
	queries   atomic.Uint64

	cancel context.CancelFunc
	group  *errgroup.Group
}

type client struct {
	session uint32
	name    string
	link    *control.Link

	mu      sync.Mutex
	crypto  *crypto.Session
	gen     uint64
	addr    *net.UDPAddr
	voice   []*protocol.VoicePacket
	pings   uint64
	tunnels uint64
}

// Start listens on a loopback port shared by TCP and UDP and serves until
// Close.
func Start() (*Relay, error) {
	tcp, udp, err := bindPair()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	r := &Relay{
		tcp:         tcp,
		udp:         udp,
		clients:     make(map[uint32]*client),
		nextSession: 1,
		maxUsers:    100,
		cancel:      cancel,
		group:       g,
	}
	g.Go(func() error { return r.acceptLoop(gctx) })
	g.Go(func() error { return r.datagramLoop() })
	g.Go(func() error {
		<-gctx.Done()
		r.tcp.Close()
		r.udp.Close()
		r.closeClients()
		return nil
	})

	logrus.WithFields(logrus.Fields{
		"function": "testrelay.Start",
		"addr":     r.Addr(),
	}).Info("Test relay listening")
	return r, nil
}

func bindPair() (*net.TCPListener, *net.UDPConn, error) {
	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		tcp, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			return nil, nil, fmt.Errorf("listen tcp: %w", err)
		}
		port := tcp.Addr().(*net.TCPAddr).Port
		udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err == nil {
			return tcp, udp, nil
		}
		tcp.Close()
		lastErr = err
	}
	return nil, nil, fmt.Errorf("bind tcp and udp on one port: %w", lastErr)
}

// Addr returns host:port for both control and voice traffic.
func (r *Relay) Addr() string {
	return r.tcp.Addr().String()
}

// Host returns the listening host.
func (r *Relay) Host() string {
	return r.tcp.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (r *Relay) Port() int {
	return r.tcp.Addr().(*net.TCPAddr).Port
}

// Close stops the relay and disconnects every client.
func (r *Relay) Close() error {
	r.cancel()
	return r.group.Wait()
}

// DropPings stops or resumes echoing pings, forcing clients onto the
// fallback path.
func (r *Relay) DropPings(drop bool) {
	r.dropPings.Store(drop)
}

// Queries returns how many status queries were answered.
func (r *Relay) Queries() uint64 {
	return r.queries.Load()
}

// Sessions returns the connected session ids.
func (r *Relay) Sessions() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// SessionByName returns the session id of the connected user name.
func (r *Relay) SessionByName(name string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if c.name == name {
			return id, true
		}
	}
	return 0, false
}

// Voice returns the voice packets received from session, in arrival order.
func (r *Relay) Voice(session uint32) []*protocol.VoicePacket {
	c := r.client(session)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.VoicePacket(nil), c.voice...)
}

// Tunneled returns how many voice packets session sent over its control link.
func (r *Relay) Tunneled(session uint32) uint64 {
	c := r.client(session)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnels
}

// VoiceBound reports whether a datagram from session has revealed its
// voice address.
func (r *Relay) VoiceBound(session uint32) bool {
	c := r.client(session)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr != nil
}

// RotateCrypto issues a new crypto generation to session.
func (r *Relay) RotateCrypto(session uint32) error {
	c := r.client(session)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSession, session)
	}
	c.mu.Lock()
	gen := c.gen + 1
	c.mu.Unlock()
	return r.issueCrypto(c, gen)
}

// Kick rejects session with reason and closes its link.
func (r *Relay) Kick(session uint32, reason string) error {
	c := r.client(session)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSession, session)
	}
	err := c.link.Send(&control.Reject{Reason: reason})
	return errors.Join(err, c.link.Close())
}

func (r *Relay) client(session uint32) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[session]
}

func (r *Relay) others(session uint32) []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.clients))
	for id, c := range r.clients {
		if id != session {
			out = append(out, c)
		}
	}
	return out
}

func (r *Relay) closeClients() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		_ = c.link.Close()
	}
}

func (r *Relay) acceptLoop(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := r.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.serveLink(ctx, conn)
		}()
	}
}

func (r *Relay) serveLink(ctx context.Context, conn net.Conn) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Relay.serveLink",
		"remote":   conn.RemoteAddr().String(),
	})

	hctx, cancel := context.WithTimeout(ctx, authTimeout)
	link, err := control.Accept(hctx, conn)
	cancel()
	if err != nil {
		log.WithField("error", err.Error()).Warn("Handshake failed")
		return
	}
	defer link.Close()
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	var auth *control.Authenticate
	select {
	case msg, ok := <-link.Events():
		if !ok {
			return
		}
		if auth, ok = msg.(*control.Authenticate); !ok {
			_ = link.Send(&control.Reject{Reason: "expected authenticate"})
			return
		}
	case <-time.After(authTimeout):
		_ = link.Send(&control.Reject{Reason: "authentication timeout"})
		return
	case <-ctx.Done():
		return
	}

	c := r.register(auth.Username, link)
	defer r.unregister(c)
	log = log.WithField("session", c.session)

	if err := r.issueCrypto(c, 1); err != nil {
		log.WithField("error", err.Error()).Error("Failed to send crypt setup")
		return
	}
	for _, other := range r.others(c.session) {
		if err := link.Send(&control.UserJoin{Session: other.session, Name: other.name}); err != nil {
			return
		}
	}
	if err := link.Send(&control.ServerSync{Session: c.session, Welcome: Welcome}); err != nil {
		return
	}
	for _, other := range r.others(c.session) {
		_ = other.link.Send(&control.UserJoin{Session: c.session, Name: c.name})
	}
	log.WithField("name", c.name).Info("Client synchronized")

	for msg := range link.Events() {
		switch m := msg.(type) {
		case *control.Tunnel:
			r.relayTunnel(c, m.Packet)
		default:
			log.WithField("type", msg.Type().String()).Debug("Ignoring control message")
		}
	}
}

func (r *Relay) register(name string, link *control.Link) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &client{session: r.nextSession, name: name, link: link}
	r.nextSession++
	r.clients[c.session] = c
	return c
}

func (r *Relay) unregister(c *client) {
	r.mu.Lock()
	delete(r.clients, c.session)
	r.mu.Unlock()

	for _, other := range r.others(c.session) {
		_ = other.link.Send(&control.UserLeave{Session: c.session})
	}
	logrus.WithFields(logrus.Fields{
		"function": "Relay.unregister",
		"session":  c.session,
	}).Info("Client left")
}

func (r *Relay) issueCrypto(c *client, gen uint64) error {
	params, err := crypto.GenerateSessionParams(gen)
	if err != nil {
		return err
	}
	session, err := crypto.NewSession(params.Mirror())
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.crypto
	c.crypto, c.gen = session, gen
	c.mu.Unlock()
	if prev != nil {
		prev.Retire()
	}
	return c.link.Send(control.NewCryptSetup(params))
}

func (r *Relay) relayTunnel(from *client, data []byte) {
	pkt, err := parseVoice(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Relay.relayTunnel",
			"session":  from.session,
			"error":    err.Error(),
		}).Warn("Dropping malformed tunneled packet")
		return
	}
	from.mu.Lock()
	from.voice = append(from.voice, pkt)
	from.tunnels++
	from.mu.Unlock()

	out, err := clientbound(from.session, pkt)
	if err != nil {
		return
	}
	for _, to := range r.others(from.session) {
		_ = to.link.Send(&control.Tunnel{Packet: out})
	}
}

func (r *Relay) datagramLoop() error {
	buf := make([]byte, crypto.MaxPlaintextSize+crypto.PacketOverhead)
	for {
		n, addr, err := r.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		data := buf[:n]

		if len(data) == protocol.QueryRequestSize {
			r.answerQuery(data, addr)
			continue
		}

		c, plain := r.identify(data, addr)
		if c == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Relay.datagramLoop",
				"remote":   addr.String(),
			}).Debug("Dropping datagram from unknown client")
			continue
		}
		r.handleDatagram(c, plain)
	}
}

func (r *Relay) answerQuery(data []byte, addr *net.UDPAddr) {
	r.mu.Lock()
	users := uint32(len(r.clients))
	r.mu.Unlock()

	reply, err := transport.AnswerQuery(data, protocol.QueryResponse{
		Version:   protocol.Version,
		Users:     users,
		MaxUsers:  r.maxUsers,
		Bandwidth: 72000,
	})
	if err != nil {
		return
	}
	if _, err := r.udp.WriteToUDP(reply, addr); err == nil {
		r.queries.Add(1)
	}
}

// identify finds the client that sealed data. The client bound to addr is
// tried first; otherwise every session is tried, which follows clients
// that rebound their socket after a rotation.
func (r *Relay) identify(data []byte, addr *net.UDPAddr) (*client, []byte) {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		bound := c.addr != nil && c.addr.String() == addr.String()
		c.mu.Unlock()
		if bound {
			if plain, err := c.open(data); err == nil {
				return c, plain
			}
		}
	}
	for _, c := range clients {
		if plain, err := c.open(data); err == nil {
			c.mu.Lock()
			c.addr = addr
			c.mu.Unlock()
			return c, plain
		}
	}
	return nil, nil
}

func (c *client) open(data []byte) ([]byte, error) {
	c.mu.Lock()
	s := c.crypto
	c.mu.Unlock()
	if s == nil {
		return nil, crypto.ErrSessionRetired
	}
	return s.Open(data)
}

func (r *Relay) handleDatagram(c *client, plain []byte) {
	dg, err := protocol.Parse(plain, protocol.Serverbound)
	if err != nil {
		return
	}
	switch pkt := dg.(type) {
	case *protocol.PingPacket:
		if r.dropPings.Load() {
			return
		}
		c.mu.Lock()
		c.pings++
		c.mu.Unlock()
		r.sendTo(c, pkt.Marshal())

	case *protocol.VoicePacket:
		c.mu.Lock()
		c.voice = append(c.voice, pkt)
		c.mu.Unlock()

		out, err := clientbound(c.session, pkt)
		if err != nil {
			return
		}
		for _, to := range r.others(c.session) {
			if !r.sendTo(to, out) {
				_ = to.link.Send(&control.Tunnel{Packet: out})
			}
		}
	}
}

// sendTo seals plain for c and writes it to c's voice address. It reports
// false when c has no voice address yet.
func (r *Relay) sendTo(c *client, plain []byte) bool {
	c.mu.Lock()
	s, addr := c.crypto, c.addr
	c.mu.Unlock()
	if s == nil || addr == nil {
		return false
	}
	sealed, err := s.Seal(plain)
	if err != nil {
		return false
	}
	_, err = r.udp.WriteToUDP(sealed, addr)
	return err == nil
}

func parseVoice(data []byte) (*protocol.VoicePacket, error) {
	dg, err := protocol.Parse(data, protocol.Serverbound)
	if err != nil {
		return nil, err
	}
	pkt, ok := dg.(*protocol.VoicePacket)
	if !ok {
		return nil, fmt.Errorf("not a voice packet: kind %d", dg.Kind())
	}
	return pkt, nil
}

func clientbound(session uint32, pkt *protocol.VoicePacket) ([]byte, error) {
	out := *pkt
	out.Session = session
	return out.Marshal(protocol.Clientbound)
}
