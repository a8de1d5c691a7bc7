// Package media implements the per-call duplex audio path between the
// carrier WebSocket, the STT provider and the TTS provider.
package media

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

const (
	// carrierSampleRate is the carrier's µ-law telephony rate.
	carrierSampleRate = 8000
	// sttSampleRate is the PCM rate the STT stream is configured for.
	sttSampleRate = 16000

	// outFrameBytes is one 20 ms µ-law frame at 8 kHz.
	outFrameBytes = 160
	// framePeriodMS is the outbound pacing interval.
	framePeriodMS = 20

	// sttChunkBytes is the buffered chunk size forwarded to the STT client.
	sttChunkBytes = 1600
)

// UlawToPCM16k decodes µ-law 8 kHz audio and upsamples it to 16-bit PCM at
// 16 kHz, the format the STT stream expects.
func UlawToPCM16k(ulaw []byte) []byte {
	pcm8k := g711.DecodeUlaw(ulaw)
	return resamplePCM16(pcm8k, carrierSampleRate, sttSampleRate)
}

// PCM8kToUlaw encodes 16-bit PCM at 8 kHz into µ-law.
func PCM8kToUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// resamplePCM16 converts 16-bit little-endian mono PCM between sample rates
// using linear interpolation.
func resamplePCM16(pcm []byte, from, to int) []byte {
	if from == to || len(pcm) < 4 {
		return pcm
	}
	inSamples := len(pcm) / 2
	ratio := float64(from) / float64(to)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)

	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= inSamples {
			break
		}
		s1 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s2 := int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		v := int16(float64(s1)*(1-frac) + float64(s2)*frac)

		out = binary.LittleEndian.AppendUint16(out, uint16(v))
	}
	return out
}

// chunker accumulates bytes and emits fixed-size chunks.
type chunker struct {
	size int
	buf  []byte
}

func newChunker(size int) *chunker {
	return &chunker{size: size}
}

// push appends data and returns all complete chunks now available.
func (c *chunker) push(data []byte) [][]byte {
	c.buf = append(c.buf, data...)
	var chunks [][]byte
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		chunks = append(chunks, chunk)
		c.buf = c.buf[c.size:]
	}
	return chunks
}

// frames splits µ-law audio into outbound wire frames. The final short
// frame is padded with µ-law silence.
func frames(ulaw []byte) [][]byte {
	var out [][]byte
	for off := 0; off < len(ulaw); off += outFrameBytes {
		end := off + outFrameBytes
		if end > len(ulaw) {
			frame := make([]byte, outFrameBytes)
			n := copy(frame, ulaw[off:])
			for i := n; i < outFrameBytes; i++ {
				frame[i] = 0xFF // µ-law silence
			}
			out = append(out, frame)
			break
		}
		out = append(out, ulaw[off:end])
	}
	return out
}
