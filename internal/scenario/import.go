package scenario

import (
	"context"
	"fmt"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/recording"
	"github.com/roach88/tracereplay/internal/steps"
)

// Result describes an imported scenario.
type Result struct {
	Recording model.Recording `json:"recording"`
	Events    int             `json:"events"`
	Steps     int             `json:"steps"`

	// Failures holds one message per failed assertion.
	Failures []string `json:"failures,omitempty"`
}

// Passed reports whether every assertion held.
func (r Result) Passed() bool { return len(r.Failures) == 0 }

// Import records s as a new recording. Events without explicit steps run
// through pipeline, which may be nil when every event lists its steps.
//
// Assertion failures are reported in Result.Failures, not as an error.
// A failed step inside a pipeline event is recorded and the import
// continues; any other error stops the import and is returned together with
// what was recorded so far.
func Import(ctx context.Context, svc *recording.Service, pipeline *steps.Pipeline, s *Scenario) (Result, error) {
	rec, err := svc.StartRecording(ctx, s.ConversationID, s.Name, s.Description)
	if err != nil {
		return Result{}, err
	}
	res := Result{Recording: rec}

	for i, ev := range s.Events {
		if len(ev.Steps) == 0 {
			if pipeline == nil {
				return res, model.Validationf("events[%d] has no steps and no pipeline is configured", i)
			}
			out, err := pipeline.Run(ctx, rec.ID, ev.Payload, ev.State)
			if out.Event.ID != "" {
				res.Events++
				res.Steps += len(out.Traces)
			}
			if err != nil && model.CodeOf(err) != model.CodeExecution {
				return res, fmt.Errorf("events[%d]: %w", i, err)
			}
			continue
		}

		sess, err := svc.RecordEvent(ctx, rec.ID, ev.Payload, ev.State)
		if err != nil {
			return res, fmt.Errorf("events[%d]: %w", i, err)
		}
		res.Events++
		for j, st := range ev.Steps {
			_, err := sess.RecordStep(ctx, recording.Step{
				Name:      st.Name,
				Input:     st.Input,
				Output:    st.Output,
				ElapsedMs: st.ElapsedMs,
				Error:     st.Error,
			})
			if err != nil {
				sess.Finish()
				return res, fmt.Errorf("events[%d].steps[%d]: %w", i, j, err)
			}
			res.Steps++
		}
		sess.Finish()
	}

	if updated, err := svc.Get(ctx, rec.ID); err == nil {
		res.Recording = updated
	}

	if len(s.Assertions) > 0 {
		traces, err := svc.Traces(ctx, rec.ID)
		if err != nil {
			return res, err
		}
		for _, f := range Check(traces, s.Assertions) {
			res.Failures = append(res.Failures, f.Error())
		}
	}
	return res, nil
}
