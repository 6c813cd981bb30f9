package stream

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const (
	// StartExerciseTool is the name of the timed exercise tool.
	StartExerciseTool = "start_exercise"

	DefaultExerciseSeconds = 60
	MinExerciseSeconds     = 5
	MaxExerciseSeconds     = 600
)

// StartExerciseDef returns the definition offered to the assistant
func StartExerciseDef() ToolDef {
	return ToolDef{
		Name:        StartExerciseTool,
		Description: "Start a timed speaking exercise for the user, such as a timed self-introduction. The user confirms before the countdown begins.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"durationSeconds": map[string]any{
					"type":        "integer",
					"description": "Length of the exercise in seconds, between 5 and 600",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Instruction shown to the user before they start",
				},
			},
		},
	}
}

// ValidateArgs checks the arguments of call against the schema of def.
// On failure it returns an empty argument map together with the reason.
func ValidateArgs(def ToolDef, call ToolCall) (map[string]any, error) {
	raw := strings.TrimSpace(call.RawArgs)
	if raw == "" && call.Args != nil {
		b, err := json.Marshal(call.Args)
		if err != nil {
			return map[string]any{}, fmt.Errorf("failed to encode tool arguments: %w", err)
		}
		raw = string(b)
	}
	if raw == "" {
		raw = "{}"
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, fmt.Errorf("failed to decode tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	if def.Parameters == nil {
		return args, nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(def.Parameters),
		gojsonschema.NewStringLoader(raw),
	)
	if err != nil {
		return map[string]any{}, fmt.Errorf("failed to validate tool arguments: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return map[string]any{}, fmt.Errorf("invalid tool arguments: %s", strings.Join(msgs, "; "))
	}
	return args, nil
}

// ExerciseArgs are the decoded arguments of start_exercise
type ExerciseArgs struct {
	DurationSeconds int
	Prompt          string
}

// ParseExerciseArgs reads start_exercise arguments, defaulting a missing or
// unusable duration and clamping it to the supported range.
func ParseExerciseArgs(args map[string]any) ExerciseArgs {
	out := ExerciseArgs{DurationSeconds: DefaultExerciseSeconds}
	if d, ok := toInt(args["durationSeconds"]); ok && d > 0 {
		out.DurationSeconds = min(max(d, MinExerciseSeconds), MaxExerciseSeconds)
	}
	if p, ok := args["prompt"].(string); ok {
		out.Prompt = strings.TrimSpace(p)
	}
	return out
}

// roundInt rounds f, saturating at the int32 range so huge values keep their sign.
func roundInt(f float64) int {
	return int(math.Round(max(math.MinInt32, min(math.MaxInt32, f))))
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return roundInt(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return roundInt(f), true
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}
