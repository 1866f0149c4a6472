package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// MaxFrameSize bounds one length-prefixed stream frame.
	MaxFrameSize = 64 * 1024
	// frameHeaderSize is the big-endian length prefix.
	frameHeaderSize = 4
	// writeTimeout bounds a single frame write.
	writeTimeout = 5 * time.Second
)

// ErrFrameTooLarge is returned for frames above MaxFrameSize in either direction.
var ErrFrameTooLarge = errors.New("stream frame exceeds maximum size")

// FrameConn carries discrete frames over a reliable byte stream using a
// 4-byte big-endian length prefix. Writes are serialized; reads must come
// from a single goroutine.
type FrameConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	header  [frameHeaderSize]byte
}

// NewFrameConn wraps a stream connection.
func NewFrameConn(conn net.Conn) *FrameConn {
	return &FrameConn{conn: conn}
}

// WriteFrame writes one frame. A failed write leaves the stream unusable
// and closes the connection.
func (f *FrameConn) WriteFrame(data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[frameHeaderSize:], data)
	if _, err := f.conn.Write(buf); err != nil {
		f.conn.Close()
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame, tolerating partial reads.
func (f *FrameConn) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.conn, f.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(f.header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(f.conn, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return data, nil
}

// Close closes the underlying connection.
func (f *FrameConn) Close() error {
	return f.conn.Close()
}

// RemoteAddr returns the peer address.
func (f *FrameConn) RemoteAddr() net.Addr {
	return f.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (f *FrameConn) LocalAddr() net.Addr {
	return f.conn.LocalAddr()
}
