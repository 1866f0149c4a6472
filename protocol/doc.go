// Package protocol implements the datagram wire formats used on the primary
// voice path.
//
// Every decrypted datagram starts with a header byte carrying the packet kind
// in the top three bits and the voice target in the low five bits. Ping
// packets carry a single varint timestamp. Voice packets carry an optional
// session id (clientbound only), a varint sequence number, a length-prefixed
// Opus payload and an optional positional triple.
//
// Example:
//
//	pkt := &protocol.VoicePacket{
//	    Target:   protocol.TargetNormal,
//	    Sequence: 42,
//	    Payload:  frame,
//	}
//
//	data, err := pkt.Marshal(protocol.Serverbound)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// The package also implements the unauthenticated server status query that
// shares the datagram port with voice traffic.
package protocol
