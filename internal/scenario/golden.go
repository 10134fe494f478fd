package scenario

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/recording"
)

// Snapshot is the shape of a recording with hashes, ids and timings left
// out, so that it is identical across runs.
type Snapshot struct {
	Scenario     string          `json:"scenario"`
	Conversation string          `json:"conversation"`
	Events       []EventSnapshot `json:"events"`
}

type EventSnapshot struct {
	Sequence int64          `json:"sequence"`
	Steps    []StepSnapshot `json:"steps"`
}

type StepSnapshot struct {
	Order int    `json:"order"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// TakeSnapshot reads a recording back from svc.
func TakeSnapshot(ctx context.Context, svc *recording.Service, recordingID string) (Snapshot, error) {
	rec, err := svc.Get(ctx, recordingID)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := svc.Events(ctx, recordingID)
	if err != nil {
		return Snapshot{}, err
	}
	traces, err := svc.Traces(ctx, recordingID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Scenario:     rec.Name,
		Conversation: rec.ConversationID,
		Events:       make([]EventSnapshot, len(events)),
	}
	index := make(map[string]int, len(events))
	for i, ev := range events {
		index[ev.ID] = i
		snap.Events[i] = EventSnapshot{Sequence: ev.Sequence, Steps: []StepSnapshot{}}
	}
	for _, tr := range traces {
		i, ok := index[tr.EventID]
		if !ok {
			continue
		}
		snap.Events[i].Steps = append(snap.Events[i].Steps, StepSnapshot{
			Order: tr.StepOrder,
			Name:  tr.StepName,
			Error: tr.Error,
		})
	}
	return snap, nil
}

// Canonical returns the snapshot as canonical JSON.
func (s Snapshot) Canonical() ([]byte, error) {
	return canonical.Marshal(s)
}

// AssertGolden compares the snapshot against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/scenario -update
func AssertGolden(t *testing.T, name string, snap Snapshot) {
	t.Helper()

	data, err := snap.Canonical()
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
