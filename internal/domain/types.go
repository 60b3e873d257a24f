package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
)

func (s AgentStatus) Valid() bool {
	return s == AgentStatusIdle || s == AgentStatusWorking
}

type AgentKind string

const (
	AgentKindBalancer    AgentKind = "balancer"
	AgentKindEnvironment AgentKind = "environment"
	AgentKindNPC         AgentKind = "npc"
	AgentKindContent     AgentKind = "content"
)

func (k AgentKind) Valid() bool {
	switch k {
	case AgentKindBalancer, AgentKindEnvironment, AgentKindNPC, AgentKindContent:
		return true
	}
	return false
}

type ResultStatus string

const (
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusPending   ResultStatus = "pending"
	ResultStatusFailed    ResultStatus = "failed"
)

type ErrorKind string

const (
	ErrorKindUnknownTaskKind     ErrorKind = "unknown_task_kind"
	ErrorKindMissingField        ErrorKind = "missing_field"
	ErrorKindInvalidField        ErrorKind = "invalid_field"
	ErrorKindInsufficientSamples ErrorKind = "insufficient_samples"
	ErrorKindNoPlayerData        ErrorKind = "no_player_data"
	ErrorKindGenerationFailed    ErrorKind = "generation_failed"
	ErrorKindInternal            ErrorKind = "internal"
)

type AgentRecord struct {
	ID           string      `json:"id"`
	Kind         AgentKind   `json:"kind"`
	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

type TelemetryRecord struct {
	CompletionTime float64   `json:"completion_time"`
	Attempts       int       `json:"attempts"`
	Success        bool      `json:"success"`
	FailLocation   string    `json:"fail_location,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

type AnalysisBatch []TelemetryRecord

type AnalysisResult struct {
	AverageCompletionTime float64           `json:"average_completion_time"`
	SuccessRate           float64           `json:"success_rate"`
	Anomalies             []TelemetryRecord `json:"anomalies"`
	SampleSize            int               `json:"sample_size"`
}

type AdjustmentEntry struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Suggestions []string       `json:"suggestions"`
	Analysis    AnalysisResult `json:"analysis"`
}

type DatasetReport struct {
	CompletionRate     float64        `json:"completion_rate"`
	DifficultyClusters []int          `json:"difficulty_clusters"`
	Centroids          []Centroid     `json:"centroids"`
	Hotspots           map[string]int `json:"hotspots"`
	SampleSize         int            `json:"sample_size"`
}

type Centroid struct {
	CompletionTime float64 `json:"completion_time"`
	Attempts       float64 `json:"attempts"`
	Members        int     `json:"members"`
}

type WeatherEffects struct {
	LightIntensity float64 `json:"light_intensity"`
	Particles      int     `json:"particles"`
}

type WeatherReport struct {
	Weather string         `json:"weather"`
	Time    string         `json:"time"`
	Effects WeatherEffects `json:"effects"`
}

type Result struct {
	Status      ResultStatus      `json:"status"`
	TaskID      string            `json:"task_id,omitempty"`
	Kind        TaskKind          `json:"kind,omitempty"`
	Message     string            `json:"message,omitempty"`
	Analysis    *AnalysisResult   `json:"analysis,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
	History     []AdjustmentEntry `json:"history,omitempty"`
	Report      *DatasetReport    `json:"report,omitempty"`
	Weather     *WeatherReport    `json:"weather,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   ErrorKind         `json:"error_kind,omitempty"`
}

// MarshalJSON keeps "history" present for completed get_history results,
// even when no adjustment has been recorded yet.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	if r.Kind != TaskKindGetHistory || r.Status != ResultStatusCompleted {
		return json.Marshal(plain(r))
	}
	history := r.History
	if history == nil {
		history = []AdjustmentEntry{}
	}
	return json.Marshal(struct {
		plain
		History []AdjustmentEntry `json:"history"`
	}{plain: plain(r), History: history})
}

func CompletedResult() Result {
	return Result{Status: ResultStatusCompleted}
}

func PendingResult(message string) Result {
	return Result{Status: ResultStatusPending, Message: message}
}

func FailedResult(kind ErrorKind, err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{Status: ResultStatusFailed, Error: msg, ErrorKind: kind}
}

func ClassifyError(err error) ErrorKind {
	var missing *MissingFieldError
	var invalid *InvalidFieldError
	switch {
	case errors.Is(err, ErrUnknownTaskKind):
		return ErrorKindUnknownTaskKind
	case errors.As(err, &missing):
		return ErrorKindMissingField
	case errors.As(err, &invalid):
		return ErrorKindInvalidField
	default:
		return ErrorKindInternal
	}
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	AgentID   string          `json:"agent_id"`
	TaskID    string          `json:"task_id"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Envelope carries one task to an agent queue. Reply must be buffered.
type Envelope struct {
	ID          string
	ToAgent     string
	Task        Task
	Reply       chan Delivery
	SubmittedAt time.Time
}

type Delivery struct {
	Result Result
	Err    error
}
