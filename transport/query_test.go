package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/voicecore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryServer(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		buf := make([]byte, 64)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			// An unrelated reply first, then the real one.
			_, _ = conn.WriteTo([]byte("noise"), addr)
			reply, err := AnswerQuery(buf[:n], protocol.QueryResponse{
				Version:   0x010500,
				Users:     3,
				MaxUsers:  50,
				Bandwidth: 72000,
			})
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(reply, addr)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := QueryServer(ctx, conn.LocalAddr().String())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x010500), status.Version)
	assert.Equal(t, uint32(3), status.Users)
	assert.Equal(t, uint32(50), status.MaxUsers)
	assert.Equal(t, uint32(72000), status.Bandwidth)
	assert.Positive(t, status.RTT)
}

func TestQueryServerTimesOut(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = QueryServer(ctx, conn.LocalAddr().String())
	assert.Error(t, err)
}

func TestAnswerQueryRejectsOtherDatagrams(t *testing.T) {
	_, err := AnswerQuery([]byte{1, 2, 3}, protocol.QueryResponse{})
	assert.ErrorIs(t, err, ErrNotQuery)

	req := protocol.QueryRequest{ID: 42}
	reply, err := AnswerQuery(req.Marshal(), protocol.QueryResponse{Users: 1})
	require.NoError(t, err)
	resp, err := protocol.ParseQueryResponse(reply)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), resp.ID)
	assert.Equal(t, uint32(1), resp.Users)
}
