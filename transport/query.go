package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/voicecore/protocol"
	"github.com/sirupsen/logrus"
)

// defaultQueryTimeout applies when QueryServer's context has no deadline.
const defaultQueryTimeout = 5 * time.Second

// ServerStatus is a server's reply to an unauthenticated status query.
type ServerStatus struct {
	Version   uint32
	Users     uint32
	MaxUsers  uint32
	Bandwidth uint32
	RTT       time.Duration
}

// QueryServer sends a status query to addr over UDP and waits for the
// matching reply. No session or crypto is involved.
func QueryServer(ctx context.Context, addr string) (*ServerStatus, error) {
	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("query id: %w", err)
	}
	req := protocol.QueryRequest{ID: binary.BigEndian.Uint64(idBytes[:])}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultQueryTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	start := time.Now()
	if _, err := conn.Write(req.Marshal()); err != nil {
		return nil, fmt.Errorf("send status query: %w", err)
	}

	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read status reply: %w", err)
		}
		resp, err := protocol.ParseQueryResponse(buf[:n])
		if err != nil || resp.ID != req.ID {
			logrus.WithFields(logrus.Fields{
				"function": "QueryServer",
				"addr":     addr,
				"size":     n,
			}).Debug("Ignoring unrelated datagram")
			continue
		}

		status := &ServerStatus{
			Version:   resp.Version,
			Users:     resp.Users,
			MaxUsers:  resp.MaxUsers,
			Bandwidth: resp.Bandwidth,
			RTT:       time.Since(start),
		}
		logrus.WithFields(logrus.Fields{
			"function": "QueryServer",
			"addr":     addr,
			"users":    status.Users,
			"rtt":      status.RTT,
		}).Debug("Server status received")
		return status, nil
	}
}

// ErrNotQuery is returned by AnswerQuery for datagrams that are not status queries.
var ErrNotQuery = errors.New("datagram is not a status query")

// AnswerQuery builds the reply to a status query datagram, echoing its id.
func AnswerQuery(data []byte, status protocol.QueryResponse) ([]byte, error) {
	req, err := protocol.ParseQueryRequest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotQuery, err)
	}
	status.ID = req.ID
	return status.Marshal(), nil
}
