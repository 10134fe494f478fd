package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/recording"
	"github.com/roach88/tracereplay/internal/scenario"
	"github.com/roach88/tracereplay/internal/store"
)

// NewRecordingCommand creates the recording command group.
func NewRecordingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recording",
		Short: "Start, inspect, verify and archive recordings",
	}

	cmd.AddCommand(newRecordingStartCommand(rootOpts))
	cmd.AddCommand(newRecordingListCommand(rootOpts))
	cmd.AddCommand(newRecordingShowCommand(rootOpts))
	cmd.AddCommand(newRecordingIngestCommand(rootOpts))
	cmd.AddCommand(newRecordingImportCommand(rootOpts))
	cmd.AddCommand(newRecordingVerifyCommand(rootOpts))
	cmd.AddCommand(newRecordingArchiveCommand(rootOpts))

	return cmd
}

type recordingStartOptions struct {
	*RootOptions
	ConversationID string
	Name           string
	Description    string
}

func newRecordingStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &recordingStartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a recording for a conversation",
		Long: `Start a new active recording. Names are unique across all recordings.

Examples:
  tracereplay recording start --conversation conv-42 --name checkout-regression`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				rec, err := a.recorder.StartRecording(ctx, opts.ConversationID, opts.Name, opts.Description)
				if err != nil {
					return failed("failed to start recording", err)
				}
				return formatter(cmd, opts.RootOptions).Success(rec, func(w io.Writer) {
					fmt.Fprintf(w, "Started recording %s (%s)\n", rec.ID, rec.Name)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.ConversationID, "conversation", "", "conversation id (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "unique recording name (required)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "free-form description")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

type recordingListOptions struct {
	*RootOptions
	Status         string
	ConversationID string
	Limit          int
}

func newRecordingListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &recordingListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List recordings, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				recs, err := a.recorder.List(ctx, store.RecordingFilter{
					Status:         model.RecordingStatus(opts.Status),
					ConversationID: opts.ConversationID,
					Limit:          opts.Limit,
				})
				if err != nil {
					return failed("failed to list recordings", err)
				}
				return formatter(cmd, opts.RootOptions).Success(recs, func(w io.Writer) {
					writeRecordingTable(w, recs)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (active|archived|corrupted)")
	cmd.Flags().StringVar(&opts.ConversationID, "conversation", "", "filter by conversation id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of recordings (0 = all)")

	return cmd
}

func writeRecordingTable(w io.Writer, recs []model.Recording) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No recordings found.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-24s  %-10s  %6s  %s\n", "ID", "NAME", "STATUS", "EVENTS", "CONVERSATION")
	for _, r := range recs {
		fmt.Fprintf(w, "%-36s  %-24s  %-10s  %6d  %s\n", r.ID, r.Name, r.Status, r.EventCount, r.ConversationID)
	}
}

// recordingDetail is the show output: the recording plus, on request, its
// events and traces.
type recordingDetail struct {
	Recording model.Recording        `json:"recording"`
	Events    []model.WebhookEvent   `json:"events,omitempty"`
	Traces    []model.ExecutionTrace `json:"traces,omitempty"`
}

type recordingShowOptions struct {
	*RootOptions
	Events bool
	Traces bool
}

func newRecordingShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &recordingShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "show <recording-id>",
		Short:         "Show a recording",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				return runRecordingShow(ctx, a, opts, cmd, args[0])
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Events, "events", false, "include recorded events")
	cmd.Flags().BoolVar(&opts.Traces, "traces", false, "include execution traces")

	return cmd
}

func runRecordingShow(ctx context.Context, a *app, opts *recordingShowOptions, cmd *cobra.Command, id string) error {
	rec, err := a.recorder.Get(ctx, id)
	if err != nil {
		return failed("failed to get recording", err)
	}
	detail := recordingDetail{Recording: rec}
	if opts.Events {
		if detail.Events, err = a.recorder.Events(ctx, id); err != nil {
			return failed("failed to list events", err)
		}
	}
	if opts.Traces {
		if detail.Traces, err = a.recorder.Traces(ctx, id); err != nil {
			return failed("failed to list traces", err)
		}
	}

	return formatter(cmd, opts.RootOptions).Success(detail, func(w io.Writer) {
		fmt.Fprintf(w, "Recording: %s\n", rec.ID)
		fmt.Fprintf(w, "  Name:         %s\n", rec.Name)
		fmt.Fprintf(w, "  Conversation: %s\n", rec.ConversationID)
		fmt.Fprintf(w, "  Status:       %s\n", rec.Status)
		fmt.Fprintf(w, "  Events:       %d\n", rec.EventCount)
		fmt.Fprintf(w, "  Created:      %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
		for _, ev := range detail.Events {
			fmt.Fprintf(w, "  [%d] %s state=%s\n", ev.Sequence, ev.ID, shortHash(ev.StateHash))
		}
		for _, tr := range detail.Traces {
			line := fmt.Sprintf("    %d. %-16s in=%s out=%s %dms", tr.StepOrder, tr.StepName,
				shortHash(tr.InputHash), shortHash(tr.OutputHash), tr.ElapsedMs)
			if tr.Error != "" {
				line += " error=" + tr.Error
			}
			fmt.Fprintln(w, line)
		}
	})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

type recordingIngestOptions struct {
	*RootOptions
	Payload  string
	State    string
	Simulate bool
}

func newRecordingIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &recordingIngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <recording-id>",
		Short: "Run one webhook payload through the pipeline and record it",
		Long: `Record a webhook event by running the payload through the reference
pipeline (parse_input, metrics_calc, decision, send_response,
learning_update). Every step is hashed and stored as a trace.

Exit codes:
  0 - Event recorded, every step succeeded
  1 - Recording rejected the event, or a step failed (the partial trace is still stored)

Examples:
  tracereplay recording ingest rec-1 --payload '{"from":"+15550100","text":"hi"}'
  tracereplay recording ingest rec-1 --payload '{"text":"hi"}' --state '{"signals":{"engagement":0.8}}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				return runRecordingIngest(ctx, a, opts, cmd, args[0])
			})
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "", "webhook payload as a JSON object (required)")
	cmd.Flags().StringVar(&opts.State, "state", "", "conversation state as a JSON object")
	cmd.Flags().BoolVar(&opts.Simulate, "simulate", false, "simulate response delivery")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func runRecordingIngest(ctx context.Context, a *app, opts *recordingIngestOptions, cmd *cobra.Command, id string) error {
	payload, err := parseObject("payload", opts.Payload)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload", err)
	}
	var state map[string]any
	if opts.State != "" {
		if state, err = parseObject("state", opts.State); err != nil {
			return WrapExitError(ExitCommandError, "invalid --state", err)
		}
	}

	pipeline := a.pipeline
	if opts.Simulate {
		pipeline = a.newPipeline(true)
	}
	res, runErr := pipeline.Run(ctx, id, payload, state)
	if runErr != nil && res.Event.ID == "" {
		return failed("failed to record event", runErr)
	}

	out := formatter(cmd, opts.RootOptions)
	text := func(w io.Writer) {
		fmt.Fprintf(w, "Recorded event %s (sequence %d) with %d steps\n", res.Event.ID, res.Event.Sequence, len(res.Traces))
		for _, tr := range res.Traces {
			status := "ok"
			if tr.Error != "" {
				status = "error: " + tr.Error
			}
			fmt.Fprintf(w, "  %d. %-16s %s\n", tr.StepOrder, tr.StepName, status)
		}
		if res.Response != "" {
			fmt.Fprintf(w, "Response: %s\n", res.Response)
		}
	}
	if runErr != nil {
		if err := out.Failure(res, text); err != nil {
			return err
		}
		return reportedFailure("pipeline step failed", runErr)
	}
	return out.Success(res, text)
}

// parseObject decodes s as a JSON object, keeping numbers exact.
func parseObject(what, s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, model.Validationf("%s must be a JSON object: %v", what, err)
	}
	if m == nil {
		return nil, model.Validationf("%s must be a JSON object", what)
	}
	return m, nil
}

func newRecordingImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <scenario.yaml>",
		Short: "Record a scenario file as a new recording",
		Long: `Create a recording from a YAML scenario. Events that list their steps
are recorded verbatim; events without steps run through the pipeline.
Assertions listed in the scenario are checked against the recorded steps.

Exit codes:
  0 - Imported, and every assertion held
  1 - Import failed, or an assertion did not hold

Examples:
  tracereplay recording import ./testdata/greeting.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scenario.Load(args[0])
			if err != nil {
				return failed("failed to load scenario", err)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				res, err := scenario.Import(ctx, a.recorder, a.newPipeline(true), s)
				if err != nil {
					return failed("failed to import scenario", err)
				}
				out := formatter(cmd, rootOpts)
				text := func(w io.Writer) {
					fmt.Fprintf(w, "Imported %s as recording %s: %d events, %d steps\n",
						s.Name, res.Recording.ID, res.Events, res.Steps)
					if len(s.Assertions) > 0 {
						fmt.Fprintf(w, "Assertions: %d/%d passed\n", len(s.Assertions)-len(res.Failures), len(s.Assertions))
					}
					for _, f := range res.Failures {
						fmt.Fprintf(w, "\n%s", f)
					}
				}
				if !res.Passed() {
					if err := out.Failure(res, text); err != nil {
						return err
					}
					return reportedFailure(fmt.Sprintf("%d scenario assertions failed", len(res.Failures)), nil)
				}
				return out.Success(res, text)
			})
		},
	}
	return cmd
}

func newRecordingVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <recording-id>",
		Short: "Recompute stored hashes and flag corruption",
		Long: `Recompute the canonical hash of every stored state snapshot and step
payload. A mismatch marks the recording corrupted.

Exit codes:
  0 - Every hash matches
  1 - Corruption found, or the recording could not be read`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				report, err := a.recorder.Verify(ctx, args[0])
				if err != nil {
					return failed("failed to verify recording", err)
				}
				return reportVerify(formatter(cmd, rootOpts), report)
			})
		},
	}
	return cmd
}

func reportVerify(out *OutputFormatter, report recording.VerifyReport) error {
	text := func(w io.Writer) {
		fmt.Fprintf(w, "Recording %s: %d events, %d traces\n", report.RecordingID, report.Events, report.Traces)
		if report.Valid {
			fmt.Fprintln(w, "All hashes verified.")
			return
		}
		fmt.Fprintf(w, "CORRUPTED: %d mismatches\n", len(report.Corruptions))
		for _, c := range report.Corruptions {
			fmt.Fprintf(w, "  %-12s %s stored=%s computed=%s\n", c.Kind, c.ID, shortHash(c.Stored), shortHash(c.Computed))
		}
	}
	if report.Valid {
		return out.Success(report, text)
	}
	if err := out.Failure(report, text); err != nil {
		return err
	}
	return reportedFailure(fmt.Sprintf("recording %s is corrupted", report.RecordingID), nil)
}

func newRecordingArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <recording-id>",
		Short: "Archive a recording, exporting a bundle when a bucket is configured",
		Long: `Archive a recording. With archive.s3.bucket set, the recording, its
events and traces are exported as one compressed bundle first; the status
only changes after the export succeeds.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				res, err := a.recorder.Archive(ctx, args[0])
				if err != nil {
					return failed("failed to archive recording", err)
				}
				return formatter(cmd, rootOpts).Success(res, func(w io.Writer) {
					if res.Exported {
						fmt.Fprintf(w, "Archived %s to %s:%s (%d bytes)\n", res.RecordingID, res.Store, res.Key, res.Bytes)
						return
					}
					fmt.Fprintf(w, "Archived %s in place\n", res.RecordingID)
				})
			})
		},
	}
	return cmd
}
