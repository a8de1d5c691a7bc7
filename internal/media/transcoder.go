package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Transcoder converts a TTS provider's encoded audio stream into µ-law
// 8 kHz suitable for the carrier.
type Transcoder interface {
	// MP3ToUlaw decodes an MP3 stream and returns raw µ-law 8 kHz mono.
	MP3ToUlaw(ctx context.Context, mp3 io.Reader) ([]byte, error)
}

// FFmpegTranscoder shells out to ffmpeg for MP3 decoding. The binary must
// be on PATH.
type FFmpegTranscoder struct {
	// Binary overrides the ffmpeg executable name.
	Binary string
}

// MP3ToUlaw implements Transcoder.
func (t *FFmpegTranscoder) MP3ToUlaw(ctx context.Context, mp3 io.Reader) ([]byte, error) {
	bin := t.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	var out, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "mulaw", "-ar", "8000", "-ac", "1",
		"pipe:1",
	)
	cmd.Stdin = mp3
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("media: ffmpeg transcode: %w: %s", err, errBuf.String())
	}
	return out.Bytes(), nil
}
