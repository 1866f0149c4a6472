// Package crypto implements the rotating symmetric session crypto that
// secures the primary voice path.
//
// A [Session] holds one generation of key material: a 32-byte NaCl secretbox
// key plus a 16-byte IV prefix per direction. Each sealed datagram is
// prefixed by an 8-byte big-endian counter; the nonce is the direction's IV
// prefix followed by that counter, so nonces never repeat within a
// generation. Received counters pass through a sliding [ReplayWindow].
//
// A [Channel] owns the live Session. Installing a newer generation swaps it
// atomically, wipes the superseded key material and notifies subscribers so
// the transport can rebind its socket:
//
//	ch := crypto.NewChannel()
//	sess, _ := crypto.NewSession(crypto.SessionParams{Key: key, EncryptIV: civ, DecryptIV: siv, Generation: 1})
//	if err := ch.Install(sess); err != nil {
//	    return err
//	}
//
//	live, err := ch.Wait(ctx)
//	packet, err := live.Seal(frame)
//
// Superseded sessions refuse to seal or open, so a datagram that was read
// before a rotation but decrypted after it is discarded rather than
// processed under a stale key.
package crypto
