// Package audio connects the microphone and speaker to the recognition and
// playback controllers.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/youpy/go-wav"
)

// PCM is interleaved signed 16-bit little-endian audio
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration in seconds
func (p PCM) Seconds() float64 {
	if p.SampleRate == 0 || p.Channels == 0 {
		return 0
	}
	return float64(len(p.Data)) / float64(2*p.Channels*p.SampleRate)
}

// DecodeWAV reads a mono or stereo WAV file into 16-bit PCM
func DecodeWAV(data []byte) (PCM, error) {
	r := wav.NewReader(bytes.NewReader(data))
	format, err := r.Format()
	if err != nil {
		return PCM{}, fmt.Errorf("WAV format: %w", err)
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return PCM{}, fmt.Errorf("WAV: only mono or stereo supported, got %d channels", channels)
	}

	var buf bytes.Buffer
	for {
		samples, err := r.ReadSamples()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return PCM{}, fmt.Errorf("reading WAV samples: %w", err)
		}
		for _, s := range samples {
			for ch := 0; ch < channels; ch++ {
				var v int16
				if format.BitsPerSample == 16 {
					v = int16(r.IntValue(s, uint(ch)))
				} else {
					v = int16(clamp(r.FloatValue(s, uint(ch))) * 32767)
				}
				_ = binary.Write(&buf, binary.LittleEndian, v)
			}
		}
	}
	return PCM{Data: buf.Bytes(), SampleRate: int(format.SampleRate), Channels: channels}, nil
}

// Convert returns p at the given rate and channel count. Rates are converted
// by linear interpolation.
func (p PCM) Convert(sampleRate, channels int) PCM {
	if p.SampleRate == sampleRate && p.Channels == channels {
		return p
	}
	frames := len(p.Data) / (2 * p.Channels)
	src := make([][2]float64, frames)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < p.Channels; ch++ {
			off := (i*p.Channels + ch) * 2
			src[i][ch] = float64(int16(binary.LittleEndian.Uint16(p.Data[off:])))
		}
		if p.Channels == 1 {
			src[i][1] = src[i][0]
		}
	}

	outFrames := frames
	if p.SampleRate != sampleRate && p.SampleRate > 0 {
		outFrames = int(int64(frames) * int64(sampleRate) / int64(p.SampleRate))
	}
	out := make([]byte, 0, outFrames*channels*2)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * float64(p.SampleRate) / float64(sampleRate)
		j := int(pos)
		frac := pos - float64(j)
		a := src[min(j, frames-1)]
		b := src[min(j+1, frames-1)]
		l := a[0] + (b[0]-a[0])*frac
		r := a[1] + (b[1]-a[1])*frac
		if channels == 1 {
			out = binary.LittleEndian.AppendUint16(out, uint16(int16((l+r)/2)))
			continue
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(l)))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(r)))
	}
	return PCM{Data: out, SampleRate: sampleRate, Channels: channels}
}

func clamp(v float64) float64 {
	return max(-1, min(1, v))
}
