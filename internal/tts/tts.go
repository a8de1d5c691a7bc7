// Package tts defines the text-to-speech interface used by the media
// pipeline.
package tts

import (
	"context"
	"io"
)

// Synthesizer turns a text utterance into a streamed audio response. The
// returned reader yields encoded audio (MP3 for the ElevenLabs backend) and
// must be closed by the caller.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}
