// Package audio implements the real-time voice pipeline of voicecore.
//
// The capture side turns raw device blocks into encoded voice packets:
//
//	device block → Resampler → EffectChain (gain, NoiseGate) → framer → FrameCodec → bounded queue
//
// The playback side turns decoded peer frames back into device-ready audio.
// Each remote session owns a PeerStream with its own decoder, resampler and
// backlog; the Mixer sums every stream plus queued sound effects into the
// device buffer on each pull, clamping the result to [-1, 1].
//
// All sample buffers are interleaved float32 at SampleRate unless stated
// otherwise. Neither CaptureChain.Write nor Mixer.Fill ever blocks on the
// network: both only touch buffers guarded by short critical sections, so
// they are safe to call from an audio device callback.
//
// Example:
//
//	mixer, err := audio.NewMixer(audio.MixerConfig{Channels: 2, CodecFactory: audio.OpusFactory})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mixer.AddPeer(session)
//	mixer.Decode(session, payload)
//
//	out := make([]float32, 960)
//	mixer.Fill(out)
package audio
