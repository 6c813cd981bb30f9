package main

import (
	"context"
	"errors"

	"Prosper/internal/capture"
	"Prosper/internal/playback"
)

var errNoAudio = errors.New("audio device unavailable")

type unavailableRecognizer struct{}

func (unavailableRecognizer) Start(context.Context, string) (<-chan capture.Event, error) {
	return nil, errNoAudio
}

func (unavailableRecognizer) Stop() error { return nil }

type unavailablePlayer struct{}

func (unavailablePlayer) Load([]byte) (playback.Track, error) {
	return nil, errNoAudio
}
