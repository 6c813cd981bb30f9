package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Prosper/internal/playback"
)

const googleTTSURL = "https://texttospeech.googleapis.com/v1/text:synthesize"

// GoogleTTSRequest is the text:synthesize request body
type GoogleTTSRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
		Name         string `json:"name"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding    string   `json:"audioEncoding"`
		EffectsProfileID []string `json:"effectsProfileId,omitempty"`
		Pitch            float64  `json:"pitch"`
		SpeakingRate     float64  `json:"speakingRate"`
	} `json:"audioConfig"`
}

// GoogleTTSResponse carries base64 encoded audio
type GoogleTTSResponse struct {
	AudioContent string `json:"audioContent"`
}

// GoogleTTS synthesizes speech with Google Cloud Text-to-Speech. Audio is
// returned as LINEAR16 in a WAV container.
type GoogleTTS struct {
	endpoint string
	apiKey   string
	client   *http.Client
	inst     instrument
}

// NewGoogleTTS returns a synthesizer using an API key. An empty endpoint
// selects the public service.
func NewGoogleTTS(apiKey, endpoint string) *GoogleTTS {
	if endpoint == "" {
		endpoint = googleTTSURL
	}
	return &GoogleTTS{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		inst:     newInstrument(),
	}
}

// Synthesize implements playback.Synthesizer
func (g *GoogleTTS) Synthesize(ctx context.Context, text string, voice playback.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("nothing to synthesize")
	}

	var body GoogleTTSRequest
	body.Input.Text = text
	body.Voice.LanguageCode = voice.LanguageCode
	body.Voice.Name = voice.ID
	body.AudioConfig.AudioEncoding = "LINEAR16"
	body.AudioConfig.EffectsProfileID = []string{"small-bluetooth-speaker-class-device"}
	body.AudioConfig.Pitch = voice.Pitch
	body.AudioConfig.SpeakingRate = voice.SpeakingRate

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	u := g.endpoint + "?key=" + url.QueryEscape(g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.inst.do(ctx, g.client, "google_tts", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out GoogleTTSResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.AudioContent == "" {
		return nil, errors.New("empty audio content")
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	return audio, nil
}
