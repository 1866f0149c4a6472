package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/voicecore/crypto"
	"github.com/opd-ai/voicecore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestNNHandshake(t *testing.T) {
	initiator, err := NewNNHandshake(Initiator)
	require.NoError(t, err)
	responder, err := NewNNHandshake(Responder)
	require.NoError(t, err)

	_, _, err = initiator.CipherStates()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
	_, err = responder.Initiate()
	assert.Error(t, err)

	first, err := initiator.Initiate()
	require.NoError(t, err)
	reply, err := responder.Respond(first)
	require.NoError(t, err)
	require.NoError(t, initiator.Finish(reply))
	assert.True(t, initiator.IsComplete())
	assert.True(t, responder.IsComplete())
	assert.ErrorIs(t, initiator.Finish(reply), ErrHandshakeComplete)

	ib, err := initiator.ChannelBinding()
	require.NoError(t, err)
	rb, err := responder.ChannelBinding()
	require.NoError(t, err)
	assert.Equal(t, ib, rb)

	iSend, iRecv, err := initiator.CipherStates()
	require.NoError(t, err)
	rSend, rRecv, err := responder.CipherStates()
	require.NoError(t, err)

	ct, err := iSend.Encrypt(nil, nil, []byte("to server"))
	require.NoError(t, err)
	pt, err := rRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, "to server", string(pt))

	ct, err = rSend.Encrypt(nil, nil, []byte("to client"))
	require.NoError(t, err)
	pt, err = iRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, "to client", string(pt))
}

func TestMessageEnvelope(t *testing.T) {
	tests := []Message{
		&Authenticate{Username: "alice"},
		&ServerSync{Session: 12, Welcome: "hi"},
		&UserJoin{Session: 3, Name: "bob"},
		&Tunnel{Packet: []byte{0x80, 1, 2}},
	}
	for _, msg := range tests {
		t.Run(msg.Type().String(), func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}

	bogus, err := msgpack.Marshal(&envelope{Type: 99, Body: msgpack.RawMessage{0xc0}})
	require.NoError(t, err)
	_, err = Decode(bogus)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestCryptSetupParams(t *testing.T) {
	params, err := crypto.GenerateSessionParams(4)
	require.NoError(t, err)

	got, err := NewCryptSetup(params).Params()
	require.NoError(t, err)
	assert.Equal(t, params, got)

	bad := NewCryptSetup(params)
	bad.Key = bad.Key[:10]
	_, err = bad.Params()
	assert.Error(t, err)

	bad = NewCryptSetup(params)
	bad.ServerIV = nil
	_, err = bad.Params()
	assert.Error(t, err)
}

// linkPair returns a connected client and server link over loopback TCP.
func linkPair(t *testing.T) (client, server *Link) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan *Link, 1)
	errs := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errs <- err
			return
		}
		l, err := Accept(ctx, conn)
		if err != nil {
			errs <- err
			return
		}
		accepted <- l
	}()

	client, err = Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	select {
	case server = <-accepted:
	case err := <-errs:
		t.Fatalf("accept failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func nextEvent(t *testing.T, l *Link) Message {
	t.Helper()
	select {
	case msg, ok := <-l.Events():
		require.True(t, ok, "link closed: %v", l.Err())
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control message")
		return nil
	}
}

func TestLinkExchangesMessages(t *testing.T) {
	client, server := linkPair(t)

	require.NoError(t, client.Send(&Authenticate{Username: "alice"}))
	assert.Equal(t, &Authenticate{Username: "alice"}, nextEvent(t, server))

	params, err := crypto.GenerateSessionParams(1)
	require.NoError(t, err)
	require.NoError(t, server.Send(NewCryptSetup(params)))
	require.NoError(t, server.Send(&ServerSync{Session: 7}))
	require.NoError(t, server.Send(&UserLeave{Session: 2}))

	setup, ok := nextEvent(t, client).(*CryptSetup)
	require.True(t, ok)
	got, err := setup.Params()
	require.NoError(t, err)
	assert.Equal(t, params, got)
	assert.Equal(t, &ServerSync{Session: 7}, nextEvent(t, client))
	assert.Equal(t, &UserLeave{Session: 2}, nextEvent(t, client))
}

func TestLinkTunnelsVoice(t *testing.T) {
	client, server := linkPair(t)

	pkt := &protocol.VoicePacket{Sequence: 42, Payload: []byte{9, 8, 7}}
	require.NoError(t, client.TunnelVoice(context.Background(), pkt))

	tunnel, ok := nextEvent(t, server).(*Tunnel)
	require.True(t, ok)
	dg, err := protocol.Parse(tunnel.Packet, protocol.Serverbound)
	require.NoError(t, err)
	voice, ok := dg.(*protocol.VoicePacket)
	require.True(t, ok)
	assert.Equal(t, uint64(42), voice.Sequence)
	assert.Equal(t, []byte{9, 8, 7}, voice.Payload)
}

func TestLinkClose(t *testing.T) {
	client, server := linkPair(t)

	require.NoError(t, server.Close())

	select {
	case _, ok := <-client.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("client link did not observe remote close")
	}
	<-client.Done()
	assert.Error(t, client.Err())
	assert.NoError(t, server.Err())
	assert.ErrorIs(t, server.Send(&Authenticate{}), ErrLinkClosed)
}

func TestDialHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, ln.Addr().String())
	assert.Error(t, err)
}
