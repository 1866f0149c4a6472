package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/voicecore/crypto"
	"github.com/sirupsen/logrus"
)

// maxDatagramSize bounds a received primary-path datagram.
const maxDatagramSize = crypto.MaxPlaintextSize + crypto.PacketOverhead

// cryptConn is one UDP socket bound to the server together with the
// session that encrypts it. A cryptConn never changes session; rotation
// replaces the whole cryptConn.
type cryptConn struct {
	conn    *net.UDPConn
	session *crypto.Session
}

// dialCrypt binds a fresh ephemeral socket connected to remote.
func dialCrypt(ctx context.Context, remote *net.UDPAddr, session *crypto.Session) (*cryptConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("bind voice socket: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "dialCrypt",
		"local":      c.LocalAddr().String(),
		"remote":     remote.String(),
		"generation": session.Generation(),
	}).Debug("Voice socket bound")

	return &cryptConn{conn: c.(*net.UDPConn), session: session}, nil
}

// send encrypts plain and writes it as one datagram.
func (c *cryptConn) send(plain []byte) error {
	sealed, err := c.session.Seal(plain)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(sealed)
	return err
}

// read blocks for the next datagram and decrypts it with this conn's
// session. errDiscard marks a datagram that was read but must be dropped.
func (c *cryptConn) read(buffer []byte) ([]byte, error) {
	n, err := c.conn.Read(buffer)
	if err != nil {
		return nil, c.handleReadError(err)
	}

	plain, err := c.session.Open(buffer[:n])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errDiscard, err)
	}
	return plain, nil
}

// errDiscard wraps per-datagram failures that never end the receive loop.
var errDiscard = errors.New("datagram discarded")

// handleReadError classifies socket read errors. Oversized datagrams and
// ICMP-induced errors on a connected socket are per-datagram faults; a
// closed socket is not.
func (c *cryptConn) handleReadError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", errDiscard, err)
	}
	return err
}

func (c *cryptConn) close() error {
	return c.conn.Close()
}

func (c *cryptConn) localAddr() net.Addr {
	return c.conn.LocalAddr()
}
