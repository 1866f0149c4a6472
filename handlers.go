package voicecore

import (
	"errors"
	"fmt"

	"github.com/opd-ai/voicecore/audio"
	"github.com/opd-ai/voicecore/control"
	"github.com/opd-ai/voicecore/crypto"
	"github.com/opd-ai/voicecore/phase"
	"github.com/sirupsen/logrus"
)

// messageHandler applies one control message. A returned error is a
// session fault and ends the connection; protocol violations are logged
// and dropped by the handler itself.
type messageHandler func(c *Client, conn *connection, msg control.Message) error

var messageHandlers = map[control.MessageType]messageHandler{
	control.TypeCryptSetup: (*Client).handleCryptSetup,
	control.TypeServerSync: (*Client).handleServerSync,
	control.TypeUserJoin:   (*Client).handleUserJoin,
	control.TypeUserLeave:  (*Client).handleUserLeave,
	control.TypeTunnel:     (*Client).handleTunnel,
	control.TypeReject:     (*Client).handleReject,
}

func (c *Client) dispatch(conn *connection, msg control.Message) error {
	handler, ok := messageHandlers[msg.Type()]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Client.dispatch",
			"type":     msg.Type().String(),
		}).Warn("Dropping unexpected control message")
		return nil
	}
	return handler(c, conn, msg)
}

func (c *Client) handleCryptSetup(_ *connection, msg control.Message) error {
	setup := msg.(*control.CryptSetup)
	log := logrus.WithFields(logrus.Fields{
		"function":   "Client.handleCryptSetup",
		"generation": setup.Generation,
	})

	params, err := setup.Params()
	if err != nil {
		log.WithField("error", err.Error()).Warn("Dropping malformed crypt setup")
		return nil
	}
	session, err := crypto.NewSession(params)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Dropping unusable crypt setup")
		return nil
	}
	if err := c.crypto.Install(session); err != nil {
		if errors.Is(err, crypto.ErrStaleGeneration) {
			return nil
		}
		return fmt.Errorf("install crypto session: %w", err)
	}
	return nil
}

func (c *Client) handleServerSync(conn *connection, msg control.Message) error {
	ss := msg.(*control.ServerSync)
	c.session.Store(ss.Session)

	if _, err := c.phase.Fire(phase.Synced); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleServerSync",
			"error":    err.Error(),
		}).Warn("Ignoring server sync outside connecting phase")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.handleServerSync",
		"server":   conn.server,
		"session":  ss.Session,
		"welcome":  ss.Welcome,
	}).Info("Server synchronized")
	conn.markSynced(ss.Welcome)
	c.PlayEffect(audio.ServerConnect)
	return nil
}

func (c *Client) handleUserJoin(_ *connection, msg control.Message) error {
	join := msg.(*control.UserJoin)
	if join.Session == c.session.Load() {
		return nil
	}

	c.membersMu.Lock()
	_, known := c.members[join.Session]
	c.members[join.Session] = join.Name
	c.membersMu.Unlock()
	if known {
		return nil
	}

	if err := c.mixer.AddPeer(join.Session); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleUserJoin",
			"session":  join.Session,
			"error":    err.Error(),
		}).Warn("Could not create peer stream")
	}

	// Users already present when we connect are not announced.
	if phase.IsConnected(c.phase.Current()) {
		c.PlayEffect(audio.UserConnected)
	}
	c.notifyUser(join.Session, join.Name, true)
	return nil
}

func (c *Client) handleUserLeave(_ *connection, msg control.Message) error {
	leave := msg.(*control.UserLeave)

	c.membersMu.Lock()
	name, known := c.members[leave.Session]
	delete(c.members, leave.Session)
	c.membersMu.Unlock()
	if !known {
		return nil
	}

	c.mixer.RemovePeer(leave.Session)
	c.PlayEffect(audio.UserDisconnected)
	c.notifyUser(leave.Session, name, false)
	return nil
}

func (c *Client) handleTunnel(conn *connection, msg control.Message) error {
	tunnel := msg.(*control.Tunnel)
	if err := conn.voice.DeliverTunneled(tunnel.Packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleTunnel",
			"error":    err.Error(),
		}).Warn("Dropping tunneled packet")
	}
	return nil
}

func (c *Client) handleReject(_ *connection, msg control.Message) error {
	return fmt.Errorf("%w: %s", ErrRejected, msg.(*control.Reject).Reason)
}
