package voicecore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/voicecore/audio"
	"github.com/opd-ai/voicecore/control"
	"github.com/opd-ai/voicecore/phase"
	"github.com/opd-ai/voicecore/transport"
	"github.com/sirupsen/logrus"
)

// connection is one server session: the control link and the voice
// transport bound to it.
type connection struct {
	server string
	link   *control.Link
	voice  *transport.VoiceTransport
	cancel context.CancelFunc

	stopping  atomic.Bool
	voiceDone chan struct{}
	loopDone  chan struct{}
	done      chan struct{}

	synced   chan struct{}
	syncOnce sync.Once

	mu      sync.Mutex
	cause   error
	welcome string
}

// fail records the first reason the connection ended.
func (conn *connection) fail(err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.cause == nil {
		conn.cause = err
	}
}

func (conn *connection) err() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.cause == nil {
		return ErrConnectionLost
	}
	return conn.cause
}

func (conn *connection) markSynced(welcome string) {
	conn.mu.Lock()
	conn.welcome = welcome
	conn.mu.Unlock()
	conn.syncOnce.Do(func() { close(conn.synced) })
}

func (conn *connection) welcomeText() string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.welcome
}

type teardownSource int

const (
	fromUser teardownSource = iota
	fromLoop
	fromVoice
)

// Connect dials host:port, authenticates as username and starts the voice
// transport. It returns once the server has synchronized and the phase is
// Connected(Primary). A rejection, a lost link, ctx ending or
// Options.SyncTimeout passing first tears the attempt down and is returned.
func (c *Client) Connect(ctx context.Context, host string, port int, username string) error {
	if host == "" || port <= 0 || port > 65535 {
		return &InvalidServerAddrError{Host: host, Port: port}
	}
	if c.closed.Load() {
		return ErrClosed
	}

	conn, err := c.start(ctx, host, port, username)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{
		"function": "Client.Connect",
		"server":   conn.server,
		"username": username,
	})

	waitCtx, cancel := context.WithTimeout(ctx, c.options.SyncTimeout)
	defer cancel()

	select {
	case <-conn.synced:
		log.WithField("welcome", conn.welcomeText()).Info("Connected to server")
		return nil
	case <-conn.done:
		err := conn.err()
		log.WithField("error", err.Error()).Warn("Connection attempt failed")
		return fmt.Errorf("connect %s: %w", conn.server, err)
	case <-waitCtx.Done():
		err := fmt.Errorf("waiting for server sync: %w", waitCtx.Err())
		conn.fail(err)
		c.teardown(conn, phase.Failed, fromUser)
		log.WithField("error", err.Error()).Warn("Connection attempt failed")
		return fmt.Errorf("connect %s: %w", conn.server, err)
	}
}

// start opens the control link and launches the connection's goroutines.
func (c *Client) start(ctx context.Context, host string, port int, username string) (*connection, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return nil, ErrAlreadyConnected
	}
	if _, err := c.phase.Fire(phase.ConnectRequested); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyConnected, err)
	}

	c.capture.Reset()
	c.crypto.Reset()
	c.clearMembers()
	c.session.Store(0)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	link, err := control.Dial(ctx, addr)
	if err != nil {
		c.fire(phase.Failed)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := link.Send(&control.Authenticate{Username: username}); err != nil {
		link.Close()
		c.fire(phase.Failed)
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	voice, err := transport.NewVoiceTransport(transport.Config{
		Remote:       addr,
		Crypto:       c.crypto,
		Phase:        c.phase,
		Source:       c.capture,
		Sink:         c.mixer,
		Tunnel:       link,
		PingInterval: c.options.PingInterval,
	})
	if err != nil {
		link.Close()
		c.fire(phase.Failed)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		server:    addr,
		link:      link,
		voice:     voice,
		cancel:    cancel,
		voiceDone: make(chan struct{}),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
		synced:    make(chan struct{}),
	}
	c.conn = conn

	go c.runVoice(runCtx, conn)
	go c.serve(conn)

	logrus.WithFields(logrus.Fields{
		"function": "Client.start",
		"server":   addr,
		"username": username,
	}).Info("Control link established, awaiting server sync")
	return conn, nil
}

// Disconnect ends the current connection and waits for its teardown.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	c.teardown(conn, phase.DisconnectRequested, fromUser)
	return nil
}

func (c *Client) runVoice(ctx context.Context, conn *connection) {
	defer close(conn.voiceDone)

	err := conn.voice.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Client.runVoice",
		"server":   conn.server,
		"error":    err.Error(),
	}).Error("Voice transport failed")
	conn.fail(fmt.Errorf("voice transport: %w", err))
	c.teardown(conn, phase.Failed, fromVoice)
}

// serve feeds control messages through the dispatch table until the link
// ends or a handler reports a session fault.
func (c *Client) serve(conn *connection) {
	defer close(conn.loopDone)

	for msg := range conn.link.Events() {
		if err := c.dispatch(conn, msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.serve",
				"server":   conn.server,
				"error":    err.Error(),
			}).Error("Session fault")
			conn.fail(err)
			c.teardown(conn, phase.Failed, fromLoop)
			return
		}
	}

	if !conn.stopping.Load() {
		fields := logrus.Fields{
			"function": "Client.serve",
			"server":   conn.server,
		}
		if err := conn.link.Err(); err != nil {
			fields["error"] = err.Error()
			conn.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}
		logrus.WithFields(fields).Warn("Control link lost")
	}
	c.teardown(conn, phase.Failed, fromLoop)
}

// teardown moves the phase to Disconnected and releases every piece of
// per-connection state, so the next Connect starts clean. Only the first
// caller does the work; a user call made during another teardown waits for
// it to finish.
func (c *Client) teardown(conn *connection, event phase.Event, from teardownSource) {
	if !conn.stopping.CompareAndSwap(false, true) {
		if from == fromUser {
			<-conn.done
		}
		return
	}

	c.fire(event)
	conn.cancel()
	_ = conn.link.Close()

	if from != fromVoice {
		<-conn.voiceDone
	}
	if from != fromLoop {
		<-conn.loopDone
	}

	c.mixer.Clear()
	c.clearMembers()
	c.crypto.Reset()
	c.capture.Reset()
	c.session.Store(0)

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	close(conn.done)

	c.PlayEffect(audio.ServerDisconnect)

	logrus.WithFields(logrus.Fields{
		"function": "Client.teardown",
		"server":   conn.server,
		"event":    event.String(),
	}).Info("Disconnected from server")
}

func (c *Client) fire(event phase.Event) {
	if _, err := c.phase.Fire(event); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.fire",
			"event":    event.String(),
			"error":    err.Error(),
		}).Warn("Phase event rejected")
	}
}
