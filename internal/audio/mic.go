package audio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gen2brain/malgo"
)

// MicSampleRate is the rate the recognizer expects
const MicSampleRate = 16000

// Mic captures mono PCM s16le from the default input device
type Mic struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

// NewMic initialises the audio backend
func NewMic(logger *slog.Logger) (*Mic, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	return &Mic{ctx: mctx, logger: logger}, nil
}

// Stream starts the capture device and delivers 20 ms frames until ctx is
// cancelled. Frames are dropped when the consumer falls behind.
func (m *Mic) Stream(ctx context.Context) (<-chan []byte, error) {
	frames := make(chan []byte, 50)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = MicSampleRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	done := ctx.Done()
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			select {
			case <-done:
				return
			default:
			}
			frame := append([]byte(nil), in...)
			select {
			case frames <- frame:
			default:
				m.logger.Debug("dropping mic frame")
			}
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start microphone: %w", err)
	}

	go func() {
		<-done
		_ = device.Stop()
		device.Uninit()
		close(frames)
	}()
	return frames, nil
}

// Close releases the audio backend
func (m *Mic) Close() error {
	if err := m.ctx.Uninit(); err != nil {
		return err
	}
	m.ctx.Free()
	return nil
}
