// Package stt defines the speech-to-text streaming interface used by the
// media pipeline.
package stt

import "context"

// Transcript is a single recognition result from the provider.
type Transcript struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// StreamConfig describes the audio a session will receive.
type StreamConfig struct {
	// Encoding is the raw audio encoding, e.g. "linear16".
	Encoding string
	// SampleRate in Hz.
	SampleRate int
	Channels   int
}

// Session is a live streaming transcription session.
//
// SendAudio may be called from a single goroutine. Partials and Finals are
// closed when the provider side of the stream ends.
type Session interface {
	SendAudio(chunk []byte) error
	Partials() <-chan Transcript
	Finals() <-chan Transcript
	Close() error
}

// Provider opens streaming transcription sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
