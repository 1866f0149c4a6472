package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/voicecore/protocol"
	"github.com/opd-ai/voicecore/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultHandshakeTimeout bounds the Noise handshake when the caller's
	// context has no deadline.
	DefaultHandshakeTimeout = 10 * time.Second
	// eventBuffer is the number of decoded messages queued for the consumer.
	eventBuffer = 64
)

// ErrLinkClosed is returned when sending on a closed link.
var ErrLinkClosed = errors.New("control link closed")

// Link is an established, encrypted control connection. It implements
// transport.Tunnel.
type Link struct {
	fc   *transport.FrameConn
	role Role

	sendMu sync.Mutex
	send   *noise.CipherState
	recv   *noise.CipherState

	events    chan Message
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to a server and performs the handshake as initiator.
func Dial(ctx context.Context, addr string) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control link %s: %w", addr, err)
	}
	link, err := newLink(ctx, conn, Initiator)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}

// Accept performs the responder handshake on an accepted connection.
func Accept(ctx context.Context, conn net.Conn) (*Link, error) {
	link, err := newLink(ctx, conn, Responder)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}

func newLink(ctx context.Context, conn net.Conn, role Role) (*Link, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultHandshakeTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	fc := transport.NewFrameConn(conn)
	hs, err := NewNNHandshake(role)
	if err != nil {
		return nil, err
	}
	if role == Initiator {
		err = initiate(fc, hs)
	} else {
		err = respond(fc, hs)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("control handshake: %w", err)
	}
	if !stop() {
		return nil, ctx.Err()
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, err
	}

	l := &Link{
		fc:     fc,
		role:   role,
		send:   send,
		recv:   recv,
		events: make(chan Message, eventBuffer),
		done:   make(chan struct{}),
	}
	go l.readLoop()

	logrus.WithFields(logrus.Fields{
		"function": "newLink",
		"role":     roleName(role),
		"remote":   conn.RemoteAddr().String(),
	}).Info("Control link established")
	return l, nil
}

func initiate(fc *transport.FrameConn, hs *NNHandshake) error {
	msg, err := hs.Initiate()
	if err != nil {
		return err
	}
	if err := fc.WriteFrame(msg); err != nil {
		return err
	}
	reply, err := fc.ReadFrame()
	if err != nil {
		return err
	}
	return hs.Finish(reply)
}

func respond(fc *transport.FrameConn, hs *NNHandshake) error {
	msg, err := fc.ReadFrame()
	if err != nil {
		return err
	}
	reply, err := hs.Respond(msg)
	if err != nil {
		return err
	}
	return fc.WriteFrame(reply)
}

func roleName(r Role) string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Send encrypts and writes one message.
func (l *Link) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}

	sealed, err := l.send.Encrypt(nil, nil, data)
	if err != nil {
		return fmt.Errorf("seal %s: %w", msg.Type(), err)
	}
	if err := l.fc.WriteFrame(sealed); err != nil {
		l.fail(err)
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// TunnelVoice implements transport.Tunnel by wrapping a serverbound voice
// packet in a Tunnel message.
func (l *Link) TunnelVoice(_ context.Context, pkt *protocol.VoicePacket) error {
	data, err := pkt.Marshal(protocol.Serverbound)
	if err != nil {
		return err
	}
	return l.Send(&Tunnel{Packet: data})
}

// Events delivers received messages in order. The channel is closed when
// the link ends; Err then reports why.
func (l *Link) Events() <-chan Message {
	return l.events
}

// Done is closed when the link ends.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that ended the link, or nil while it is open or
// after a local Close.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close ends the link.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.fc.Close()
	})
	return err
}

// fail records err as the reason the link ended and closes it.
func (l *Link) fail(err error) {
	l.errMu.Lock()
	select {
	case <-l.done:
	default:
		if l.err == nil {
			l.err = err
		}
	}
	l.errMu.Unlock()
	_ = l.Close()
}

// RemoteAddr returns the peer address.
func (l *Link) RemoteAddr() net.Addr {
	return l.fc.RemoteAddr()
}

func (l *Link) readLoop() {
	defer close(l.events)

	for {
		frame, err := l.fc.ReadFrame()
		if err != nil {
			l.fail(err)
			return
		}

		plain, err := l.recv.Decrypt(nil, nil, frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Link.readLoop",
				"error":    err.Error(),
			}).Error("Control frame failed authentication")
			l.fail(fmt.Errorf("open control frame: %w", err))
			return
		}

		msg, err := Decode(plain)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Link.readLoop",
				"error":    err.Error(),
			}).Warn("Dropping undecodable control message")
			continue
		}

		select {
		case l.events <- msg:
		case <-l.done:
			return
		}
	}
}
