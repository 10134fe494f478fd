package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracereplay/internal/model"
)

// cliEnv runs commands against one SQLite file.
type cliEnv struct {
	db string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	return &cliEnv{db: filepath.Join(t.TempDir(), "tracereplay.db")}
}

type cliRun struct {
	code   int
	stdout string
	stderr string
}

func (e *cliEnv) run(t *testing.T, args ...string) cliRun {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args, "--db", e.db)
	code := Execute(context.Background(), args, &stdout, &stderr)
	return cliRun{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// json runs args with --format json and decodes the response data into v.
func (e *cliEnv) json(t *testing.T, v any, args ...string) (int, string) {
	t.Helper()
	r := e.run(t, append(args, "--format", "json")...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), "stdout: %s\nstderr: %s", r.stdout, r.stderr)
	if v != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return r.code, resp.Status
}

func (e *cliEnv) startRecording(t *testing.T, name string) model.Recording {
	t.Helper()
	var rec model.Recording
	code, status := e.json(t, &rec, "recording", "start", "--conversation", "conv-1", "--name", name)
	require.Equal(t, ExitSuccess, code)
	require.Equal(t, "ok", status)
	return rec
}

func TestRecordingAndReplayLifecycle(t *testing.T) {
	env := newCLIEnv(t)
	rec := env.startRecording(t, "onboarding")
	assert.Equal(t, model.RecordingActive, rec.Status)

	var ingest struct {
		Event  model.WebhookEvent     `json:"event"`
		Traces []model.ExecutionTrace `json:"traces"`
	}
	code, _ := env.json(t, &ingest, "recording", "ingest", rec.ID,
		"--payload", `{"from":"u1","text":"hello there"}`,
		"--state", `{"signals":{"engagement":3}}`)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, int64(1), ingest.Event.Sequence)
	require.Len(t, ingest.Traces, 5)

	r := env.run(t, "recording", "list")
	require.Equal(t, ExitSuccess, r.code)
	assert.Contains(t, r.stdout, "onboarding")

	r = env.run(t, "recording", "show", rec.ID, "--events", "--traces")
	require.Equal(t, ExitSuccess, r.code)
	assert.Contains(t, r.stdout, "Events:       1")
	assert.Contains(t, r.stdout, "parse_input")
	assert.Contains(t, r.stdout, "learning_update")

	var report struct {
		Valid bool `json:"valid"`
	}
	code, _ = env.json(t, &report, "recording", "verify", rec.ID)
	require.Equal(t, ExitSuccess, code)
	assert.True(t, report.Valid)

	var res model.ReplayResult
	code, status := env.json(t, &res, "replay", "run", rec.ID)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "ok", status)
	assert.True(t, res.Success)
	assert.Equal(t, 5, res.TotalSteps)
	assert.Equal(t, 1.0, res.ReproducibilityRate)

	var detail executionDetail
	code, _ = env.json(t, &detail, "replay", "show", res.ExecutionID)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, model.ReplayCompleted, detail.Execution.Status)
	assert.Len(t, detail.Validations, 5)

	r = env.run(t, "replay", "run", rec.ID, "--strict")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "PASS")
	assert.Contains(t, r.stdout, "5/5 reproduced")

	var stats model.Stats
	code, _ = env.json(t, &stats, "db", "stats")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, int64(1), stats.Recordings)
	assert.Equal(t, int64(1), stats.Events)
	assert.Equal(t, int64(5), stats.Traces)
	assert.Equal(t, int64(2), stats.ReplayExecutions)
	assert.Equal(t, int64(10), stats.TraceValidations)

	var archived struct {
		Exported bool `json:"exported"`
	}
	code, _ = env.json(t, &archived, "recording", "archive", rec.ID)
	require.Equal(t, ExitSuccess, code)
	assert.False(t, archived.Exported)

	r = env.run(t, "recording", "ingest", rec.ID, "--payload", `{"text":"late"}`)
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.stderr, "no longer accepts events")
}

func TestRecordingStart_DuplicateName(t *testing.T) {
	env := newCLIEnv(t)
	env.startRecording(t, "dup")

	r := env.run(t, "recording", "start", "--conversation", "conv-2", "--name", "dup")
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.stderr, "DUPLICATE_NAME")
}

func TestRecordingIngest_InvalidPayload(t *testing.T) {
	env := newCLIEnv(t)
	rec := env.startRecording(t, "bad-payload")

	for _, payload := range []string{`not json`, `[1,2]`, `null`} {
		r := env.run(t, "recording", "ingest", rec.ID, "--payload", payload)
		assert.Equal(t, ExitCommandError, r.code, payload)
	}
}

func TestRecordingImport(t *testing.T) {
	env := newCLIEnv(t)

	var res struct {
		Recording model.Recording `json:"recording"`
		Events    int             `json:"events"`
		Steps     int             `json:"steps"`
	}
	code, _ := env.json(t, &res, "recording", "import", filepath.Join("..", "scenario", "testdata", "greeting.yaml"))
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "greeting-flow", res.Recording.Name)
	assert.Equal(t, 2, res.Events)
	assert.Equal(t, 7, res.Steps)

	r := env.run(t, "recording", "import", "does-not-exist.yaml")
	assert.Equal(t, ExitFailure, r.code)
}

func TestRecordingImport_FailedAssertions(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "count.yaml")
	doc := `name: counted
conversation_id: conv-count
events:
  - payload: {text: hi}
    steps:
      - {name: metrics_calc, input: {a: 1}, output: {mean: 1}}
assertions:
  - {type: trace_count, step: metrics_calc, count: 1}
  - {type: trace_count, step: decision, count: 1}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	var res struct {
		Failures []string `json:"failures"`
	}
	code, status := env.json(t, &res, "recording", "import", path)
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "failed", status)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "1 occurrences of decision")

	r := env.run(t, "recording", "list")
	assert.Contains(t, r.stdout, "counted")
}

func TestReplayRun_NotFound(t *testing.T) {
	env := newCLIEnv(t)

	r := env.run(t, "replay", "run", "missing")
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.stdout, "FAIL")
	assert.Contains(t, r.stdout, "not found")
}

func TestReplayValidate(t *testing.T) {
	env := newCLIEnv(t)

	var empty model.BatchResult
	code, status := env.json(t, &empty, "replay", "validate")
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "failed", status)
	assert.False(t, empty.Passed)
	assert.NotEmpty(t, empty.Note)

	rec := env.startRecording(t, "sampled")
	r := env.run(t, "recording", "ingest", rec.ID, "--payload", `{"from":"u1","text":"hi"}`)
	require.Equal(t, ExitSuccess, r.code, r.stderr)

	var batch model.BatchResult
	code, status = env.json(t, &batch, "replay", "validate", "--min-rate", "0.9")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "ok", status)
	assert.True(t, batch.Passed)
	assert.Equal(t, 1, batch.Evaluated)
	assert.Equal(t, 0.9, batch.MinRate)

	code, _ = env.json(t, &batch, "replay", "validate", "--id", rec.ID, "--id", "missing")
	assert.Equal(t, ExitFailure, code)
	assert.False(t, batch.Passed)
}

func TestCacheCommands(t *testing.T) {
	env := newCLIEnv(t)

	var stats struct {
		Size    int    `json:"size"`
		MaxSize int    `json:"maxSize"`
		Backend string `json:"backend"`
	}
	code, _ := env.json(t, &stats, "cache", "stats")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, 10000, stats.MaxSize)

	var inv struct {
		Removed int `json:"removed"`
	}
	code, _ = env.json(t, &inv, "cache", "invalidate", "conv-1")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, 0, inv.Removed)

	r := env.run(t, "cache", "invalidate", "")
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.stderr, "VALIDATION_ERROR")

	r = env.run(t, "cache", "clear")
	assert.Equal(t, ExitSuccess, r.code)
	assert.Contains(t, r.stdout, "Cache cleared.")
}

func TestConfigFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("cache:\n  max_size: 42\n"), 0o644))
	t.Setenv("TRACEREPLAY_CACHE__TTL", "1h")

	env := newCLIEnv(t)
	var stats struct {
		MaxSize int `json:"maxSize"`
	}
	code, _ := env.json(t, &stats, "cache", "stats", "--config", cfgPath)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, 42, stats.MaxSize)

	r := env.run(t, "db", "stats", "--config", filepath.Join(dir, "absent.yaml"))
	assert.Equal(t, ExitFailure, r.code)
}
