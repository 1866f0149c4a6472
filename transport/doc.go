// Package transport moves voice frames between the client and the server
// over two paths.
//
// The primary path is an encrypted UDP socket: every datagram is sealed by
// the live [crypto.Session] of the connection. The fallback path tunnels the
// same protocol packets through the reliable control link, framed by
// [FrameConn]. [VoiceTransport] picks the path per outgoing frame from the
// connection phase:
//
//	vt, err := transport.NewVoiceTransport(transport.Config{
//	    Remote: "voice.example.net:64738",
//	    Crypto: channel,
//	    Phase:  machine,
//	    Source: capture,
//	    Sink:   mixer,
//	    Tunnel: link,
//	})
//	if err != nil {
//	    return err
//	}
//	go vt.Run(ctx)
//
// UDP pings test the primary path once per interval. A ping that goes
// unanswered for a whole interval moves the connection to the fallback
// phase; the next acknowledged ping moves it back. When the crypto channel
// installs a new generation the socket is rebound so datagrams sealed under
// the old key are never mixed with the new one.
//
// [QueryServer] and [AnswerQuery] implement the connectionless status query
// that reports a server's version, user count and bandwidth limit.
package transport
