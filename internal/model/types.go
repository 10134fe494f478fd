package model

import "time"

// RecordingStatus is the lifecycle state of a Recording.
type RecordingStatus string

const (
	RecordingActive    RecordingStatus = "active"
	RecordingArchived  RecordingStatus = "archived"
	RecordingCorrupted RecordingStatus = "corrupted"
)

// ValidRecordingStatuses defines allowed recording statuses.
var ValidRecordingStatuses = map[RecordingStatus]bool{
	RecordingActive:    true,
	RecordingArchived:  true,
	RecordingCorrupted: true,
}

// PIIStatus records whether an event's payload copy was scrubbed.
type PIIStatus string

const (
	PIIRaw      PIIStatus = "raw"
	PIIScrubbed PIIStatus = "scrubbed"
)

// CaptureConfig is the snapshot of capture settings taken when a recording
// starts. Later configuration changes do not affect an open recording.
type CaptureConfig struct {
	PIIScrubbing          bool `json:"piiScrubbing"`
	HashValidation        bool `json:"hashValidation"`
	CaptureExternalAPIs   bool `json:"captureExternalApis"`
	MaxEventsPerRecording int  `json:"maxEventsPerRecording"`
}

// Recording is one capture session bound to a conversation.
type Recording struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Name           string          `json:"recordingName"`
	Description    string          `json:"description,omitempty"`
	Status         RecordingStatus `json:"status"`
	EventCount     int64           `json:"eventCount"`
	Config         CaptureConfig   `json:"config"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastEventAt    *time.Time      `json:"lastEventAt,omitempty"`
}

// WebhookEvent is one externally triggered occurrence inside a Recording.
// Immutable once written.
type WebhookEvent struct {
	ID              string    `json:"id"`
	RecordingID     string    `json:"recordingId"`
	Sequence        int64     `json:"sequence"` // assigned by the store, 1-based
	CorrelationID   string    `json:"correlationId"`
	StateHash       string    `json:"stateHash"`
	State           any       `json:"state"`
	PIIStatus       PIIStatus `json:"piiStatus"`
	RawPayload      any       `json:"rawPayload,omitempty"`
	ScrubbedPayload any       `json:"scrubbedPayload,omitempty"`
	RecordedAt      time.Time `json:"recordedAt"`
}

// ExternalCall describes one call to an outside service made by a step.
type ExternalCall struct {
	Service    string `json:"service"`
	DurationMs int64  `json:"durationMs"`
	Success    bool   `json:"success"`
	Simulated  bool   `json:"simulated,omitempty"`
}

// ExecutionTrace is one hashed unit of work inside an event.
// Immutable once written.
type ExecutionTrace struct {
	ID            string         `json:"id"`
	EventID       string         `json:"eventId"`
	RecordingID   string         `json:"recordingId"`
	CorrelationID string         `json:"correlationId"`
	StepName      string         `json:"stepName"`
	StepOrder     int            `json:"stepOrder"`
	InputHash     string         `json:"inputHash"`
	OutputHash    string         `json:"outputHash"`
	Input         any            `json:"input"`
	Output        any            `json:"output"`
	ElapsedMs     int64          `json:"elapsedMs"`
	ExternalCalls []ExternalCall `json:"externalCalls"`
	Error         string         `json:"error,omitempty"`

	// IsReproducible is optimistic at capture time. Replay results live in
	// TraceValidation records.
	IsReproducible bool      `json:"isReproducible"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CacheMetadata identifies who produced a cache entry.
type CacheMetadata struct {
	Operation      string `json:"operation"`
	ConversationID string `json:"conversationId,omitempty"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// CacheEntry is one memoized computation result keyed by the canonical hash
// of (operation, normalized inputs).
type CacheEntry struct {
	Key          string        `json:"key"`
	Result       any           `json:"result"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastAccessAt time.Time     `json:"lastAccessAt"`
	AccessCount  int64         `json:"accessCount"`
	Metadata     CacheMetadata `json:"metadata"`
}

// ReplayStatus is the lifecycle state of a ReplayExecution.
type ReplayStatus string

const (
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayFailed    ReplayStatus = "failed"
)

// ReplayConfig controls one replay run.
type ReplayConfig struct {
	SkipExternalAPIs bool   `json:"skipExternalAPIs"`
	ValidateHashes   bool   `json:"validateHashes"`
	StrictMode       bool   `json:"strictMode"`
	TimeoutMs        int64  `json:"timeoutMs"`
	MaxRetries       int    `json:"maxRetries"`
	LogLevel         string `json:"logLevel"`
}

// DefaultTimeoutMs is the per-attempt step deadline when none is configured.
const DefaultTimeoutMs = 30000

// DefaultReplayConfig returns the configuration used when a caller supplies
// none: external calls simulated, hashes validated, 30s per attempt.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		SkipExternalAPIs: true,
		ValidateHashes:   true,
		TimeoutMs:        DefaultTimeoutMs,
		LogLevel:         "info",
	}
}

// Timeout returns the per-attempt deadline, falling back to the default.
func (c ReplayConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Severity classifies a hash mismatch.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// ExecutionErrorHash is reported as the replay hash when a step failed to
// execute and produced no output to digest.
const ExecutionErrorHash = "EXECUTION_ERROR"

// HashMismatch is data describing one non-reproducible step. It is never
// returned as an error.
type HashMismatch struct {
	EventID            string   `json:"eventId"`
	Sequence           int64    `json:"sequence"`
	StepName           string   `json:"stepName"`
	StepOrder          int      `json:"stepOrder"`
	OriginalHash       string   `json:"originalHash"`
	ReplayHash         string   `json:"replayHash"`
	Severity           Severity `json:"severity"`
	SemanticEquivalent bool     `json:"semanticEquivalent"`
	Difference         any      `json:"difference,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// EventSummary aggregates the replay of one recorded event.
type EventSummary struct {
	EventID           string         `json:"eventId"`
	Sequence          int64          `json:"sequence"`
	TotalSteps        int            `json:"totalSteps"`
	ReproducibleSteps int            `json:"reproducibleSteps"`
	HashMismatches    []HashMismatch `json:"hashMismatches"`
	SimulatedCalls    int            `json:"simulatedCalls"`
	Error             string         `json:"error,omitempty"`
}

// ReplaySummary is the persisted digest of a finished replay run.
type ReplaySummary struct {
	Events              []EventSummary `json:"events"`
	SemanticEquivalent  int            `json:"semanticEquivalentSteps"`
	ExecutionErrors     int            `json:"executionErrors"`
	SimulatedCalls      int            `json:"simulatedCalls"`
	SeverityCounts      map[string]int `json:"severityCounts"`
	Success             bool           `json:"success"`
	Cancelled           bool           `json:"cancelled,omitempty"`
	Error               string         `json:"error,omitempty"`
	DurationMs          int64          `json:"durationMs"`
	ReproducibilityRate float64        `json:"reproducibilityRate"`
}

// ReplayExecution is one replay run over a Recording. Created at replay
// start in status running and finalized exactly once.
type ReplayExecution struct {
	ID                  string         `json:"id"`
	RecordingID         string         `json:"recordingId"`
	Status              ReplayStatus   `json:"status"`
	Config              ReplayConfig   `json:"config"`
	TotalSteps          int            `json:"totalSteps"`
	ReproducibleSteps   int            `json:"reproducibleSteps"`
	ReproducibilityRate float64        `json:"reproducibilityRate"`
	HashMismatches      []HashMismatch `json:"hashMismatches"`
	Summary             ReplaySummary  `json:"summary"`
	StartedAt           time.Time      `json:"startedAt"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
}

// ValidationType names how a TraceValidation verdict was reached.
type ValidationType string

const (
	ValidationHashMatch           ValidationType = "hash_match"
	ValidationSemanticEquivalence ValidationType = "semantic_equivalence"
	ValidationExecutionError      ValidationType = "execution_error"
)

// TraceValidation is one verdict for one step within a ReplayExecution.
// Append-only.
type TraceValidation struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"executionId"`
	TraceID        string         `json:"traceId"`
	EventID        string         `json:"eventId"`
	StepName       string         `json:"stepName"`
	StepOrder      int            `json:"stepOrder"`
	ValidationType ValidationType `json:"validationType"`
	IsValid        bool           `json:"isValid"`
	Confidence     float64        `json:"confidence"`
	OriginalValue  any            `json:"originalValue"`
	ReplayValue    any            `json:"replayValue"`
	Difference     any            `json:"difference,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`

	// ExternalCalls are the calls the replayed step made or, with
	// skipExternalAPIs, simulated.
	ExternalCalls []ExternalCall `json:"externalCalls"`
}

// ReplayResult is returned to callers of a replay run. A failed run still
// carries the complete report.
type ReplayResult struct {
	ExecutionID         string         `json:"executionId"`
	RecordingID         string         `json:"recordingId"`
	Status              ReplayStatus   `json:"status"`
	Success             bool           `json:"success"`
	ReproducibilityRate float64        `json:"reproducibilityRate"`
	TotalSteps          int            `json:"totalSteps"`
	ReproducibleSteps   int            `json:"reproducibleSteps"`
	HashMismatches      []HashMismatch `json:"hashMismatches"`
	Summary             ReplaySummary  `json:"summary"`
}

// BatchItem is the outcome for one recording in a batch validation.
type BatchItem struct {
	RecordingID         string  `json:"recordingId"`
	ExecutionID         string  `json:"executionId,omitempty"`
	ReproducibilityRate float64 `json:"reproducibilityRate"`
	Passed              bool    `json:"passed"`
	Error               string  `json:"error,omitempty"`
}

// BatchResult summarizes a batch reproducibility validation.
type BatchResult struct {
	Passed      bool        `json:"passed"`
	MinRate     float64     `json:"minRate"`
	SampleSize  int         `json:"sampleSize"`
	Evaluated   int         `json:"evaluated"`
	PassedCount int         `json:"passedCount"`
	PassRate    float64     `json:"passRate"`
	AverageRate float64     `json:"averageRate"`
	Results     []BatchItem `json:"results"`
	Note        string      `json:"note,omitempty"`
}

// Stats reports per-collection row counts.
type Stats struct {
	Recordings       int64 `json:"recordings"`
	Events           int64 `json:"events"`
	Traces           int64 `json:"traces"`
	ReplayExecutions int64 `json:"replayExecutions"`
	TraceValidations int64 `json:"traceValidations"`
}
