package audio

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"

	"Prosper/internal/playback"
)

const (
	// SpeakerSampleRate matches the synthesis output
	SpeakerSampleRate = 24000
	speakerChannels   = 1
)

// Speaker plays synthesized WAV audio
type Speaker struct {
	ctx        *oto.Context
	sampleRate int
}

// NewSpeaker opens the default output device
func NewSpeaker() (*Speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   SpeakerSampleRate,
		ChannelCount: speakerChannels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init speaker: %w", err)
	}
	<-ready
	return &Speaker{ctx: otoCtx, sampleRate: SpeakerSampleRate}, nil
}

// Load implements playback.Player
func (s *Speaker) Load(audio []byte) (playback.Track, error) {
	pcm, err := DecodeWAV(audio)
	if err != nil {
		return nil, err
	}
	pcm = pcm.Convert(s.sampleRate, speakerChannels)
	src := bytes.NewReader(pcm.Data)
	return &track{player: s.ctx.NewPlayer(src), src: src, size: int64(len(pcm.Data))}, nil
}

// track is one loaded clip. The oto player reads ahead of what is audible, so
// progress subtracts the buffered bytes from the read position.
type track struct {
	mu     sync.Mutex
	player *oto.Player
	src    *bytes.Reader
	size   int64
}

func (t *track) played() int64 {
	pos := t.size - int64(t.src.Len())
	return max(0, pos-int64(t.player.BufferedSize()))
}

func (t *track) finished() bool {
	return !t.player.IsPlaying() && t.src.Len() == 0 && t.player.BufferedSize() == 0
}

func (t *track) Play() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished() {
		if _, err := t.player.Seek(0, io.SeekStart); err != nil {
			return
		}
	}
	t.player.Play()
}

func (t *track) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.player.Pause()
}

func (t *track) Playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.player.IsPlaying()
}

func (t *track) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.size == 0 {
		return 1
	}
	if t.finished() {
		return 1
	}
	return float64(t.played()) / float64(t.size)
}

func (t *track) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished()
}

func (t *track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.player.Close()
}
