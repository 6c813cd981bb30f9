// Package backend implements the generation, synthesis and recognition
// services over HTTP and WebSocket.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"Prosper/internal/config"
	"Prosper/internal/stream"
)

// APIError is a non-2xx response from a provider
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: %d - %s", e.Provider, e.StatusCode, e.Body)
}

// Options configures an HTTP generation client
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	// Streams stay open for the whole reply, so only the dial and headers are bounded.
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 60 * time.Second,
	}}
}

// NewGenerator returns the generator for a configured backend
func NewGenerator(cfg config.Config) (stream.Generator, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return NewOpenAI(Options{APIKey: cfg.OpenAIKey, Model: cfg.ModelFor(config.BackendOpenAI)}), nil
	case config.BackendGrok:
		return NewGrok(Options{APIKey: cfg.GrokKey, Model: cfg.ModelFor(config.BackendGrok)}), nil
	case config.BackendAnthropic:
		return NewAnthropic(Options{APIKey: cfg.AnthropicKey, Model: cfg.ModelFor(config.BackendAnthropic)}), nil
	case config.BackendOllama:
		return NewOllama(Options{BaseURL: cfg.OllamaURL, Model: cfg.ModelFor(config.BackendOllama)}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// instrument records a span and the request duration of each provider call
type instrument struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

func newInstrument() instrument {
	in := instrument{tracer: otel.Tracer("prosper/backend")}
	h, err := otel.Meter("prosper/backend").Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		in.duration = h
	}
	return in
}

// do sends req and returns the response once its status is known. Non-2xx
// responses are drained into an APIError.
func (in instrument) do(ctx context.Context, client *http.Client, provider string, req *http.Request) (*http.Response, error) {
	ctx, span := in.tracer.Start(ctx, provider+"_api_call", trace.WithAttributes(
		attribute.String("http.url", req.URL.String()),
	))
	defer span.End()

	start := time.Now()
	resp, err := client.Do(req.WithContext(ctx))
	if in.duration != nil {
		in.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("provider", provider)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}
	return resp, nil
}

func toolResultContent(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func argsJSON(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
