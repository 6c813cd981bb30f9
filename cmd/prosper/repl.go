package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"Prosper/internal/backend"
	"Prosper/internal/config"
	"Prosper/internal/coordinator"
	"Prosper/internal/session"
	"Prosper/internal/stream"
	"Prosper/internal/variant"
)

// turns is the part of the coordinator the REPL drives
type turns interface {
	SubmitText(text string) error
	StartCapture() error
	StopCapture() error
	ConfirmExerciseStart() error
	CancelExercise() error
	TogglePlayback(messageID string) error
	Reset() error
	NewSession() error
	SwitchVariant(profile variant.Profile) error
	SetGenerator(gen stream.Generator, backend string) error
	Snapshot() (coordinator.Snapshot, error)
}

var errQuit = errors.New("quit")

type repl struct {
	cfg     config.Config
	catalog *variant.Catalog
	coord   turns
	out     io.Writer

	// newGenerator is replaced in tests
	newGenerator func(config.Config) (stream.Generator, error)
	listModels   func(ctx context.Context) ([]backend.OllamaModel, error)

	mu         sync.Mutex
	midLine    bool
	transcript bool
}

func newREPL(cfg config.Config, catalog *variant.Catalog, coord turns, out io.Writer) *repl {
	r := &repl{
		cfg:          cfg,
		catalog:      catalog,
		coord:        coord,
		out:          out,
		newGenerator: backend.NewGenerator,
	}
	r.listModels = func(ctx context.Context) ([]backend.OllamaModel, error) {
		return backend.NewOllama(backend.Options{BaseURL: r.cfg.OllamaURL}).ListModels(ctx)
	}
	return r
}

func (r *repl) banner() {
	r.printf("=== Prosper ===\n")
	r.printf("Variant: %s\n", r.cfg.Variant)
	r.printf("Backend: %s\n", r.cfg.Backend)
	r.printf("Type /help for commands, /quit to exit\n\n")
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writef(format, args...)
}

// writef requires r.mu
func (r *repl) writef(format string, args ...any) {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	r.transcript = false
	fmt.Fprintf(r.out, format, args...)
}

// run handles input lines until quit, EOF or ctx is cancelled
func (r *repl) run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := r.handleLine(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				r.printf("Error: %v\n", err)
			}
		}
	}
}

func (r *repl) handleLine(ctx context.Context, line string) error {
	input := strings.TrimSpace(line)
	if input == "" {
		return nil
	}
	if strings.HasPrefix(input, "/") {
		return r.handleCommand(ctx, input)
	}
	return r.coord.SubmitText(input)
}

// handleCommand handles special commands
func (r *repl) handleCommand(ctx context.Context, cmd string) error {
	parts := strings.Fields(cmd)

	switch parts[0] {
	case "/quit", "/exit":
		return errQuit

	case "/mic":
		if err := r.coord.StartCapture(); err != nil {
			return err
		}
		r.printf("Listening... (/stop to finish)\n")
		return nil

	case "/stop":
		return r.coord.StopCapture()

	case "/go":
		return r.coord.ConfirmExerciseStart()

	case "/cancel":
		return r.coord.CancelExercise()

	case "/play":
		id := ""
		if len(parts) > 1 {
			id = parts[1]
		}
		return r.coord.TogglePlayback(id)

	case "/reset":
		if err := r.coord.Reset(); err != nil {
			return err
		}
		r.printf("Reset.\n")
		return nil

	case "/new-session":
		return r.coord.NewSession()

	case "/switch":
		if len(parts) < 2 {
			return fmt.Errorf("usage: /switch <backend> (%s)", strings.Join(config.Backends, "|"))
		}
		next, err := r.cfg.WithBackend(parts[1])
		if err != nil {
			return err
		}
		gen, err := r.newGenerator(next)
		if err != nil {
			return err
		}
		if err := r.coord.SetGenerator(gen, next.Backend); err != nil {
			return err
		}
		r.cfg = next
		r.printf("Switched to %s backend\n", next.Backend)
		return nil

	case "/variant":
		if len(parts) < 2 {
			return fmt.Errorf("usage: /variant <name> (%s)", strings.Join(r.catalog.Names(), "|"))
		}
		profile, err := r.catalog.Get(parts[1])
		if err != nil {
			return err
		}
		if err := r.coord.SwitchVariant(profile); err != nil {
			return err
		}
		r.cfg.Variant = profile.Name
		return nil

	case "/models":
		models, err := r.listModels(ctx)
		if err != nil {
			return fmt.Errorf("failed to list Ollama models: %w", err)
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.writef("\nAvailable Ollama models:\n")
		for i, model := range models {
			sizeGB := float64(model.Size) / (1024 * 1024 * 1024)
			current := ""
			if r.cfg.Backend == config.BackendOllama && model.Name == r.cfg.Model {
				current = " (current)"
			}
			fmt.Fprintf(r.out, "%d. %s - %.2f GB%s\n", i+1, model.Name, sizeGB, current)
		}
		fmt.Fprintln(r.out)
		return nil

	case "/status":
		snap, err := r.coord.Snapshot()
		if err != nil {
			return err
		}
		r.printStatus(snap)
		return nil

	case "/help":
		r.printf("%s", helpText)
		return nil

	default:
		return fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

const helpText = `Available commands:
  /mic                 - Start speaking
  /stop                - Finish speaking
  /go                  - Start the offered exercise
  /cancel              - Cancel the exercise
  /play [id]           - Play or pause the last (or given) coach reply
  /reset               - Stop everything and return to idle
  /new-session         - Start a new session
  /switch <backend>    - Switch LLM backend (openai|grok|anthropic|ollama)
  /variant <name>      - Switch coaching variant (text|bubbles|call)
  /models              - List available Ollama models
  /status              - Show session status
  /quit, /exit         - Exit
`

func (r *repl) printStatus(s coordinator.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writef("Session: %s\n", s.SessionID)
	fmt.Fprintf(r.out, "Variant: %s  Backend: %s\n", s.Variant, s.Backend)
	fmt.Fprintf(r.out, "Call time: %s\n", variant.FormatCallTime(s.Elapsed))
	fmt.Fprintf(r.out, "State: %s  Turn: %s  Messages: %d\n", s.State, s.TurnOwner, len(s.Messages))
	if s.Timer != nil {
		fmt.Fprintf(r.out, "Exercise: %s, %ds left of %ds\n", s.Timer.State, s.Timer.RemainingSeconds, s.Timer.DurationSeconds)
	}
	if s.Listening {
		fmt.Fprintf(r.out, "Listening: %s\n", s.Transcript.Text())
	}
	if s.PlayingID != "" {
		fmt.Fprintf(r.out, "Playing: %s\n", s.PlayingID)
	}
	if s.Degraded {
		fmt.Fprintln(r.out, "Connection degraded: the last reply failed")
	}
	if s.Status != "" {
		fmt.Fprintf(r.out, "Status: %s\n", s.Status)
	}
}

// printEvent renders one coordinator event
func (r *repl) printEvent(ev coordinator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case coordinator.EventSessionStarted:
		r.writef("--- new session ---\n")

	case coordinator.EventMessageAppended:
		switch {
		case ev.Role == session.RoleUser:
			r.writef("You: %s\n", ev.Text)
		case ev.Role == session.RoleAssistant && ev.Text != "":
			r.writef("Coach: %s\n", ev.Text)
		case ev.Role == session.RoleAssistant:
			r.writef("Coach: ")
			r.midLine = true
		}

	case coordinator.EventMessageDelta:
		fmt.Fprint(r.out, ev.Text)
		r.midLine = true

	case coordinator.EventMessageFinalized:
		if r.midLine {
			fmt.Fprintln(r.out)
			r.midLine = false
		}

	case coordinator.EventTranscript:
		if r.midLine && !r.transcript {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintf(r.out, "\r… %s", ev.Text)
		r.midLine = true
		r.transcript = true

	case coordinator.EventTimerReady:
		prompt := ev.Text
		if prompt == "" {
			prompt = "Exercise ready"
		}
		r.writef("[exercise] %s. Type /go to start or /cancel.\n", prompt)

	case coordinator.EventTimerTick:
		if ev.Remaining%10 == 0 || ev.Remaining <= 5 {
			r.writef("[exercise] %d s left\n", ev.Remaining)
		}

	case coordinator.EventTimerExpired:
		r.writef("[exercise] Time's up!\n")

	case coordinator.EventTimerCancelled:
		r.writef("[exercise] cancelled\n")

	case coordinator.EventPlaybackStarted:
		r.writef("[playing]\n")

	case coordinator.EventPlaybackPaused:
		r.writef("[paused]\n")

	case coordinator.EventPlaybackEnded:
		if ev.Err == nil {
			r.writef("[finished]\n")
		}

	case coordinator.EventStatus:
		if ev.Text != "" {
			r.writef("[%s]\n", ev.Text)
		}

	case coordinator.EventStateChanged, coordinator.EventPlaybackProgress:
	}
}
