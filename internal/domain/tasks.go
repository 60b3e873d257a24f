package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

type TaskKind string

const (
	TaskKindAnalyzeRealtime   TaskKind = "analyze_realtime"
	TaskKindGetHistory        TaskKind = "get_history"
	TaskKindAnalyzeData       TaskKind = "analyze_data"
	TaskKindAdjustBalance     TaskKind = "adjust_balance"
	TaskKindWeatherSystem     TaskKind = "weather_system"
	TaskKindSceneGeneration   TaskKind = "scene_generation"
	TaskKindDialogue          TaskKind = "dialogue"
	TaskKindEmotionalResponse TaskKind = "emotional_response"
	TaskKindStoryline         TaskKind = "storyline"
	TaskKindCharacters        TaskKind = "characters"
	TaskKindElements          TaskKind = "elements"
)

var ErrUnknownTaskKind = errors.New("unknown task kind")

type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

type Task interface {
	Kind() TaskKind
}

type AnalyzeRealtime struct {
	Record TelemetryRecord
}

func (AnalyzeRealtime) Kind() TaskKind { return TaskKindAnalyzeRealtime }

// NewAnalyzeRealtime rejects records that violate the telemetry bounds.
func NewAnalyzeRealtime(rec TelemetryRecord) (AnalyzeRealtime, error) {
	if err := ValidateRecord(rec); err != nil {
		return AnalyzeRealtime{}, err
	}
	return AnalyzeRealtime{Record: rec}, nil
}

type GetHistory struct{}

func (GetHistory) Kind() TaskKind { return TaskKindGetHistory }

type AnalyzeData struct {
	Records []TelemetryRecord
}

func (AnalyzeData) Kind() TaskKind { return TaskKindAnalyzeData }

type AdjustBalance struct{}

func (AdjustBalance) Kind() TaskKind { return TaskKindAdjustBalance }

type WeatherSystem struct {
	WeatherType string
}

func (WeatherSystem) Kind() TaskKind { return TaskKindWeatherSystem }

// Generate is handed to a remote generation service as-is.
type Generate struct {
	TaskKind TaskKind
	Prompt   string
	Params   map[string]any
}

func (g Generate) Kind() TaskKind { return g.TaskKind }

// RawTask is the untyped form received from outside the process.
type RawTask struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (t RawTask) Kind() TaskKind { return TaskKind(strings.TrimSpace(t.Type)) }

var generatePromptFields = map[TaskKind]string{
	TaskKindSceneGeneration:   "scene_prompt",
	TaskKindDialogue:          "context",
	TaskKindEmotionalResponse: "player_input",
	TaskKindStoryline:         "prompt",
	TaskKindCharacters:        "prompt",
	TaskKindElements:          "prompt",
}

func DecodeTask(raw RawTask) (Task, error) {
	payload := raw.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	kind := raw.Kind()
	switch kind {
	case TaskKindAnalyzeRealtime:
		fields := payload
		if nested, ok := payload["player_data"].(map[string]any); ok {
			fields = nested
		}
		rec, err := decodeRecord(fields, "")
		if err != nil {
			return nil, err
		}
		return NewAnalyzeRealtime(rec)
	case TaskKindGetHistory:
		return GetHistory{}, nil
	case TaskKindAnalyzeData:
		value, ok := payload["records"]
		if !ok {
			value, ok = payload["player_data"]
		}
		if !ok || value == nil {
			return nil, &MissingFieldError{Field: "records"}
		}
		items, ok := value.([]any)
		if !ok {
			return nil, &InvalidFieldError{Field: "records", Reason: "expected a list of records"}
		}
		if len(items) == 0 {
			return nil, &InvalidFieldError{Field: "records", Reason: "at least one record is required"}
		}
		records := make([]TelemetryRecord, 0, len(items))
		for i, item := range items {
			fields, ok := item.(map[string]any)
			if !ok {
				return nil, &InvalidFieldError{Field: fmt.Sprintf("records[%d]", i), Reason: "expected an object"}
			}
			rec, err := decodeRecord(fields, fmt.Sprintf("records[%d].", i))
			if err != nil {
				return nil, err
			}
			if err := ValidateRecord(rec); err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return AnalyzeData{Records: records}, nil
	case TaskKindAdjustBalance:
		return AdjustBalance{}, nil
	case TaskKindWeatherSystem:
		weather, _, err := stringField(payload, "weather_type")
		if err != nil {
			return nil, err
		}
		if weather == "" {
			weather = "random"
		}
		return WeatherSystem{WeatherType: weather}, nil
	}

	if field, ok := generatePromptFields[kind]; ok {
		prompt, present, err := stringField(payload, field)
		if err != nil {
			return nil, err
		}
		if !present || strings.TrimSpace(prompt) == "" {
			return nil, &MissingFieldError{Field: field}
		}
		params := make(map[string]any, len(payload))
		for k, v := range payload {
			if k != field {
				params[k] = v
			}
		}
		return Generate{TaskKind: kind, Prompt: prompt, Params: params}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTaskKind, raw.Type)
}

func ValidateRecord(rec TelemetryRecord) error {
	if math.IsNaN(rec.CompletionTime) || math.IsInf(rec.CompletionTime, 0) || rec.CompletionTime < 0 {
		return &InvalidFieldError{Field: "completion_time", Reason: "must be a finite number >= 0"}
	}
	if rec.Attempts < 1 {
		return &InvalidFieldError{Field: "attempts", Reason: "must be >= 1"}
	}
	return nil
}

func decodeRecord(fields map[string]any, prefix string) (TelemetryRecord, error) {
	completion, ok, err := numberField(fields, "completion_time", prefix)
	if err != nil {
		return TelemetryRecord{}, err
	}
	if !ok {
		return TelemetryRecord{}, &MissingFieldError{Field: prefix + "completion_time"}
	}
	attempts, ok, err := numberField(fields, "attempts", prefix)
	if err != nil {
		return TelemetryRecord{}, err
	}
	if !ok {
		return TelemetryRecord{}, &MissingFieldError{Field: prefix + "attempts"}
	}
	if attempts != math.Trunc(attempts) {
		return TelemetryRecord{}, &InvalidFieldError{Field: prefix + "attempts", Reason: "must be an integer"}
	}
	success, ok, err := boolField(fields, "success", prefix)
	if err != nil {
		return TelemetryRecord{}, err
	}
	if !ok {
		return TelemetryRecord{}, &MissingFieldError{Field: prefix + "success"}
	}
	location, _, err := stringField(fields, "fail_location")
	if err != nil {
		return TelemetryRecord{}, err
	}
	return TelemetryRecord{
		CompletionTime: completion,
		Attempts:       int(attempts),
		Success:        success,
		FailLocation:   location,
	}, nil
}

func numberField(fields map[string]any, name, prefix string) (float64, bool, error) {
	value, ok := fields[name]
	if !ok || value == nil {
		return 0, false, nil
	}
	switch v := value.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, true, &InvalidFieldError{Field: prefix + name, Reason: err.Error()}
		}
		return f, true, nil
	default:
		return 0, true, &InvalidFieldError{Field: prefix + name, Reason: fmt.Sprintf("expected a number, got %T", value)}
	}
}

func boolField(fields map[string]any, name, prefix string) (bool, bool, error) {
	value, ok := fields[name]
	if !ok || value == nil {
		return false, false, nil
	}
	switch v := value.(type) {
	case bool:
		return v, true, nil
	case float64:
		return v != 0, true, nil
	case int:
		return v != 0, true, nil
	default:
		return false, true, &InvalidFieldError{Field: prefix + name, Reason: fmt.Sprintf("expected a boolean, got %T", value)}
	}
}

func stringField(fields map[string]any, name string) (string, bool, error) {
	value, ok := fields[name]
	if !ok || value == nil {
		return "", false, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", true, &InvalidFieldError{Field: name, Reason: fmt.Sprintf("expected a string, got %T", value)}
	}
	return s, true, nil
}
