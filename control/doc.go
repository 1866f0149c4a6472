// Package control implements the reliable control link between a client
// and a voice server.
//
// The link runs over TCP. Every frame carries a 4-byte big-endian length
// prefix (see transport.FrameConn). The connection opens with a two-message
// Noise NN handshake; after it every frame is sealed with the resulting
// ChaCha20-Poly1305 cipher states. Frames hold one msgpack-encoded Message
// in a {type, body} envelope.
//
// Only what the voice core consumes travels on the link: authentication,
// primary-path key material (CryptSetup), the assigned session id
// (ServerSync), membership changes (UserJoin, UserLeave), tunneled voice
// (Tunnel) and rejection.
//
//	link, err := control.Dial(ctx, "voice.example.net:64738")
//	if err != nil {
//	    return err
//	}
//	defer link.Close()
//	_ = link.Send(&control.Authenticate{Username: "alice"})
//	for msg := range link.Events() {
//	    switch m := msg.(type) {
//	    case *control.CryptSetup:
//	        // install key material
//	    case *control.ServerSync:
//	        // connected as session m.Session
//	    }
//	}
package control
