package audio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youpy/go-wav"
)

func encodeWAV(t *testing.T, values []int, sampleRate uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	samples := make([]wav.Sample, len(values))
	for i, v := range values {
		samples[i] = wav.Sample{Values: [2]int{v, 0}}
	}
	w := wav.NewWriter(&buf, uint32(len(samples)), 1, sampleRate, 16)
	require.NoError(t, w.WriteSamples(samples))
	return buf.Bytes()
}

func samplesOf(p PCM) []int16 {
	out := make([]int16, len(p.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p.Data[i*2:]))
	}
	return out
}

func TestDecodeWAV_Mono16(t *testing.T) {
	pcm, err := DecodeWAV(encodeWAV(t, []int{0, 1000, -1000, 32767}, 24000))
	require.NoError(t, err)

	assert.Equal(t, 24000, pcm.SampleRate)
	assert.Equal(t, 1, pcm.Channels)
	assert.Equal(t, []int16{0, 1000, -1000, 32767}, samplesOf(pcm))
}

func TestDecodeWAV_Garbage(t *testing.T) {
	_, err := DecodeWAV([]byte("not a wav file at all"))
	assert.Error(t, err)
}

func TestPCM_Convert(t *testing.T) {
	mono := PCM{SampleRate: 8000, Channels: 1}
	for _, v := range []int16{0, 100, 200, 300} {
		mono.Data = binary.LittleEndian.AppendUint16(mono.Data, uint16(v))
	}

	stereo := mono.Convert(8000, 2)
	assert.Equal(t, []int16{0, 0, 100, 100, 200, 200, 300, 300}, samplesOf(stereo))

	up := mono.Convert(16000, 1)
	assert.Equal(t, []int16{0, 50, 100, 150, 200, 250, 300, 300}, samplesOf(up))
	assert.InDelta(t, mono.Seconds(), up.Seconds(), 1e-9)

	assert.Equal(t, mono, mono.Convert(8000, 1))
}
