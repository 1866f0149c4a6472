package protocol

import (
	"encoding/binary"
	"errors"
)

const (
	// Version is the protocol version reported in status replies, 1.3.0.
	Version uint32 = 0x00010300
	// QueryRequestSize is the size of a server status query.
	QueryRequestSize = 12
	// QueryResponseSize is the size of a server status reply.
	QueryResponseSize = 24
)

// QueryRequest asks a server for its status without any session.
type QueryRequest struct {
	ID uint64
}

// Marshal encodes the request: four zero bytes followed by the id.
func (q *QueryRequest) Marshal() []byte {
	out := make([]byte, QueryRequestSize)
	binary.BigEndian.PutUint64(out[4:], q.ID)
	return out
}

// ParseQueryRequest decodes a status query.
func ParseQueryRequest(data []byte) (*QueryRequest, error) {
	if len(data) != QueryRequestSize {
		return nil, errors.New("invalid query request size")
	}
	if binary.BigEndian.Uint32(data[:4]) != 0 {
		return nil, errors.New("query request has non-zero prefix")
	}
	return &QueryRequest{ID: binary.BigEndian.Uint64(data[4:])}, nil
}

// QueryResponse is a server's status reply.
type QueryResponse struct {
	Version   uint32
	ID        uint64
	Users     uint32
	MaxUsers  uint32
	Bandwidth uint32
}

// Marshal encodes the response.
func (q *QueryResponse) Marshal() []byte {
	out := make([]byte, QueryResponseSize)
	binary.BigEndian.PutUint32(out[0:], q.Version)
	binary.BigEndian.PutUint64(out[4:], q.ID)
	binary.BigEndian.PutUint32(out[12:], q.Users)
	binary.BigEndian.PutUint32(out[16:], q.MaxUsers)
	binary.BigEndian.PutUint32(out[20:], q.Bandwidth)
	return out
}

// ParseQueryResponse decodes a status reply.
func ParseQueryResponse(data []byte) (*QueryResponse, error) {
	if len(data) != QueryResponseSize {
		return nil, errors.New("invalid query response size")
	}
	return &QueryResponse{
		Version:   binary.BigEndian.Uint32(data[0:]),
		ID:        binary.BigEndian.Uint64(data[4:]),
		Users:     binary.BigEndian.Uint32(data[12:]),
		MaxUsers:  binary.BigEndian.Uint32(data[16:]),
		Bandwidth: binary.BigEndian.Uint32(data[20:]),
	}, nil
}
