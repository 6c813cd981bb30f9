package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Prosper/internal/playback"
	"Prosper/internal/session"
	"Prosper/internal/stream"
)

func drain(t *testing.T, s stream.Stream) (string, []*stream.ToolCall) {
	t.Helper()
	defer s.Close()
	var text strings.Builder
	var calls []*stream.ToolCall
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			return text.String(), calls
		}
		require.NoError(t, err)
		switch c.Kind {
		case stream.ChunkTextDelta:
			text.WriteString(c.Text)
		case stream.ChunkToolCall:
			calls = append(calls, c.ToolCall)
		}
	}
}

func history() []session.Message {
	return []session.Message{
		{ID: "g", Role: session.RoleAssistant, Parts: []session.Part{session.TextPart("Hello! Welcome to Prosper.")}},
		{ID: "u1", Role: session.RoleUser, Parts: []session.Part{session.TextPart("Let's practice")}},
		{ID: "a1", Role: session.RoleAssistant, Parts: []session.Part{
			session.TextPart("Great."),
			session.ToolCallPart("call_1", stream.StartExerciseTool, map[string]any{"durationSeconds": 30}),
		}},
		{ID: "t1", Role: session.RoleTool, Parts: []session.Part{
			session.ToolResultPart("call_1", stream.StartExerciseTool, map[string]any{"status": "armed"}),
		}},
	}
}

func sseServer(t *testing.T, capture *[]byte, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if capture != nil {
			*capture = body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprint(w, l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_StreamsTextAndToolCall(t *testing.T) {
	var sent []byte
	srv := sseServer(t, &sent,
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Ready\"}}]}\n\n",
		": keep-alive\n\n",
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\" when you are.\"}}]}\n\n",
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_9\",\"type\":\"function\",\"function\":{\"name\":\"start_exercise\",\"arguments\":\"{\\\"durationSeconds\\\":\"}}]}}]}\n\n",
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"30}\"}}]}}]}\n\n",
		"data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n",
		"data: [DONE]\n\n",
	)

	gen := NewGrok(Options{BaseURL: srv.URL, APIKey: "k"})
	s, err := gen.StreamResponse(context.Background(), stream.Request{
		Messages:     history(),
		SystemPrompt: "be kind",
		Tools:        []stream.ToolDef{stream.StartExerciseDef()},
	})
	require.NoError(t, err)

	text, calls := drain(t, s)
	assert.Equal(t, "Ready when you are.", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_9", calls[0].ID)
	assert.Equal(t, stream.StartExerciseTool, calls[0].Name)
	assert.JSONEq(t, `{"durationSeconds":30}`, calls[0].RawArgs)

	var req OpenAIRequest
	require.NoError(t, json.Unmarshal(sent, &req))
	assert.True(t, req.Stream)
	assert.Equal(t, "grok-3-mini", req.Model)
	require.Len(t, req.Messages, 5)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "call_1", req.Messages[3].ToolCalls[0].ID)
	assert.Equal(t, "tool", req.Messages[4].Role)
	assert.Equal(t, "call_1", req.Messages[4].ToolCallID)
	assert.JSONEq(t, `{"status":"armed"}`, req.Messages[4].Content)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, stream.StartExerciseTool, req.Tools[0].Function.Name)
}

func TestOpenAI_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewOpenAI(Options{BaseURL: srv.URL}).StreamResponse(context.Background(), stream.Request{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "openai", apiErr.Provider)
	assert.Contains(t, apiErr.Body, "bad key")
}

func TestOpenAI_InlineErrorFailsStream(t *testing.T) {
	srv := sseServer(t, nil,
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"}}]}\n\n",
		"data: {\"error\":{\"message\":\"overloaded\",\"type\":\"server_error\"}}\n\n",
	)
	s, err := NewOpenAI(Options{BaseURL: srv.URL}).StreamResponse(context.Background(), stream.Request{})
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hi", c.Text)
	_, err = s.Next()
	assert.ErrorContains(t, err, "overloaded")
}

func TestAnthropic_StreamsTextAndToolUse(t *testing.T) {
	var sent []byte
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		sent, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range []string{
			"event: message_start\ndata: {\"type\":\"message_start\"}\n\n",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Let's go.\"}}\n\n",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"start_exercise\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"prompt\\\":\"}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"Pitch\\\"}\"}}\n\n",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":1}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		} {
			fmt.Fprint(w, l)
		}
	}))
	defer srv.Close()

	s, err := NewAnthropic(Options{BaseURL: srv.URL, APIKey: "sk"}).StreamResponse(context.Background(), stream.Request{
		Messages:     history(),
		SystemPrompt: "You are Maria.",
		Tools:        []stream.ToolDef{stream.StartExerciseDef()},
	})
	require.NoError(t, err)

	text, calls := drain(t, s)
	assert.Equal(t, "Let's go.", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_1", calls[0].ID)
	assert.JSONEq(t, `{"prompt":"Pitch"}`, calls[0].RawArgs)

	assert.Equal(t, "sk", headers.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, headers.Get("anthropic-version"))

	var req AnthropicRequest
	require.NoError(t, json.Unmarshal(sent, &req))
	assert.Contains(t, req.System, "You are Maria.")
	assert.Contains(t, req.System, "Welcome to Prosper")
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, "tool_use", req.Messages[1].Content[1].Type)
	assert.Equal(t, "user", req.Messages[2].Role)
	assert.Equal(t, "tool_result", req.Messages[2].Content[0].Type)
	assert.Equal(t, "call_1", req.Messages[2].Content[0].ToolUseID)
}

func TestAnthropic_MergesConsecutiveRoles(t *testing.T) {
	_, msgs := anthropicMessages(stream.Request{Messages: []session.Message{
		{Role: session.RoleUser, Parts: []session.Part{session.TextPart("one")}},
		{Role: session.RoleUser, Parts: []session.Part{session.TextPart("two")}},
	}})
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Content, 2)
}

func TestOllama_StreamsNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Take"},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":" a breath."},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"start_exercise","arguments":{"durationSeconds":45}}}]},"done":false}`)
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3:latest","size":42}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o := NewOllama(Options{BaseURL: srv.URL})
	s, err := o.StreamResponse(context.Background(), stream.Request{Messages: history()})
	require.NoError(t, err)

	text, calls := drain(t, s)
	assert.Equal(t, "Take a breath.", text)
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].ID, "call_"))
	assert.EqualValues(t, 45, calls[0].Args["durationSeconds"])

	models, err := o.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3:latest", models[0].Name)
}

func TestGoogleTTS_Synthesize(t *testing.T) {
	var req GoogleTTSRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.URL.Query().Get("key")
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(GoogleTTSResponse{AudioContent: base64.StdEncoding.EncodeToString([]byte("RIFF"))})
	}))
	defer srv.Close()

	audio, err := NewGoogleTTS("secret", srv.URL).Synthesize(context.Background(), "Hello there", playback.DefaultVoice())
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), audio)
	assert.Equal(t, "secret", key)
	assert.Equal(t, "Hello there", req.Input.Text)
	assert.Equal(t, "en-GB-Chirp3-HD-Sulafat", req.Voice.Name)
	assert.Equal(t, "en-GB", req.Voice.LanguageCode)
	assert.Equal(t, "LINEAR16", req.AudioConfig.AudioEncoding)
	assert.InDelta(t, 1.0, req.AudioConfig.SpeakingRate, 1e-9)
}

func TestGoogleTTS_BlankTextIsRejected(t *testing.T) {
	_, err := NewGoogleTTS("k", "http://127.0.0.1:0").Synthesize(context.Background(), "  ", playback.DefaultVoice())
	assert.Error(t, err)
}
