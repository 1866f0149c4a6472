package voicecore

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned by Connect while a connection exists.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotConnected is returned by Disconnect without a connection.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
	// ErrRejected is reported when the server refuses the connection.
	ErrRejected = errors.New("server rejected connection")
	// ErrConnectionLost is reported when the control link ends before the
	// connection is closed locally.
	ErrConnectionLost = errors.New("connection lost")
)

// InvalidServerAddrError reports a host and port that cannot be dialed.
type InvalidServerAddrError struct {
	Host string
	Port int
}

func (e *InvalidServerAddrError) Error() string {
	return fmt.Sprintf("invalid server address %q port %d", e.Host, e.Port)
}
