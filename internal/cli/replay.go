package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/replay"
)

// NewReplayCommand creates the replay command group.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recordings and verify reproducibility",
	}

	cmd.AddCommand(newReplayRunCommand(rootOpts))
	cmd.AddCommand(newReplayValidateCommand(rootOpts))
	cmd.AddCommand(newReplayShowCommand(rootOpts))

	return cmd
}

// replayFlags are the per-run overrides of the configured replay defaults.
type replayFlags struct {
	Strict       bool
	NoHashes     bool
	LiveExternal bool
	TimeoutMs    int64
	MaxRetries   int
	LogLevel     string
}

func (f *replayFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&f.Strict, "strict", false, "fail the run on any hash mismatch")
	fs.BoolVar(&f.NoHashes, "no-hash-validation", false, "judge steps by semantic equivalence only")
	fs.BoolVar(&f.LiveExternal, "live-external", false, "perform external calls instead of simulating them")
	fs.Int64Var(&f.TimeoutMs, "timeout-ms", 0, "per-attempt step deadline in milliseconds")
	fs.IntVar(&f.MaxRetries, "max-retries", 0, "retries per failing step")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level for this run (debug|info|warn|error)")
}

// apply overrides cfg with the flags set on the command line.
func (f *replayFlags) apply(fs *pflag.FlagSet, cfg model.ReplayConfig) model.ReplayConfig {
	if fs.Changed("strict") {
		cfg.StrictMode = f.Strict
	}
	if fs.Changed("no-hash-validation") {
		cfg.ValidateHashes = !f.NoHashes
	}
	if fs.Changed("live-external") {
		cfg.SkipExternalAPIs = !f.LiveExternal
	}
	if fs.Changed("timeout-ms") {
		cfg.TimeoutMs = f.TimeoutMs
	}
	if fs.Changed("max-retries") {
		cfg.MaxRetries = f.MaxRetries
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
	return cfg
}

type replayRunOptions struct {
	*RootOptions
	flags replayFlags
}

func newReplayRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &replayRunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <recording-id>",
		Short: "Replay one recording and report divergences",
		Long: `Re-execute every recorded step of a recording, in event and step order,
and compare output hashes with the recorded ones. Divergent steps are
classified minor, major or critical.

Exit codes:
  0 - Replay succeeded (rate at or above replay.min_rate; no mismatch in strict mode)
  1 - Replay failed, or reproducibility below threshold

Examples:
  tracereplay replay run rec-1
  tracereplay replay run rec-1 --strict --format json
  tracereplay replay run rec-1 --timeout-ms 5000 --max-retries 2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				return runReplay(ctx, a, opts, cmd, args[0])
			})
		},
	}

	opts.flags.register(cmd.Flags())

	return cmd
}

func runReplay(ctx context.Context, a *app, opts *replayRunOptions, cmd *cobra.Command, recordingID string) error {
	cfg := opts.flags.apply(cmd.Flags(), a.cfg.ReplayDefaults())
	out := formatter(cmd, opts.RootOptions)
	out.VerboseLog("replaying %s (strict=%t validateHashes=%t timeoutMs=%d)",
		recordingID, cfg.StrictMode, cfg.ValidateHashes, cfg.TimeoutMs)

	res, err := a.engine.Replay(ctx, recordingID, cfg)
	if err != nil {
		if res.ExecutionID == "" {
			return failed("replay failed", err)
		}
		if ferr := out.Failure(res, func(w io.Writer) { writeReplayText(w, res, a.cfg.Replay.MinRate) }); ferr != nil {
			return ferr
		}
		return reportedFailure("replay failed", err)
	}

	text := func(w io.Writer) { writeReplayText(w, res, a.cfg.Replay.MinRate) }
	if !res.Success {
		if err := out.Failure(res, text); err != nil {
			return err
		}
		return reportedFailure(fmt.Sprintf("reproducibility %.1f%% below threshold %.1f%%",
			res.ReproducibilityRate*100, a.cfg.Replay.MinRate*100), nil)
	}
	return out.Success(res, text)
}

func writeReplayText(w io.Writer, res model.ReplayResult, minRate float64) {
	verdict := "PASS"
	if !res.Success {
		verdict = "FAIL"
	}
	fmt.Fprintf(w, "Replay %s of %s: %s\n", res.ExecutionID, res.RecordingID, verdict)
	fmt.Fprintf(w, "  Status:          %s\n", res.Status)
	fmt.Fprintf(w, "  Steps:           %d/%d reproduced\n", res.ReproducibleSteps, res.TotalSteps)
	fmt.Fprintf(w, "  Reproducibility: %.1f%% (threshold %.1f%%)\n", res.ReproducibilityRate*100, minRate*100)
	if res.Summary.SimulatedCalls > 0 {
		fmt.Fprintf(w, "  Simulated calls: %d\n", res.Summary.SimulatedCalls)
	}
	if res.Summary.Error != "" {
		fmt.Fprintf(w, "  Error:           %s\n", res.Summary.Error)
	}
	if len(res.HashMismatches) == 0 {
		return
	}
	fmt.Fprintf(w, "\nMismatches (%d):\n", len(res.HashMismatches))
	for _, m := range res.HashMismatches {
		line := fmt.Sprintf("  [%s] event %d step %d %s: %s -> %s", m.Severity, m.Sequence, m.StepOrder,
			m.StepName, shortHash(m.OriginalHash), shortHash(m.ReplayHash))
		if m.SemanticEquivalent {
			line += " (semantically equivalent)"
		}
		if m.Error != "" {
			line += " error=" + m.Error
		}
		fmt.Fprintln(w, line)
	}
}

type replayValidateOptions struct {
	*RootOptions
	flags      replayFlags
	MinRate    float64
	SampleSize int
	IDs        []string
}

func newReplayValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &replayValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Replay a sample of recordings and check them against a minimum rate",
		Long: `Replay the most recent recordings (or the ones named with --id) and
check that every one reaches the minimum reproducibility rate.

Exit codes:
  0 - Every evaluated recording reached the minimum rate
  1 - At least one recording fell short, or none could be evaluated

Examples:
  tracereplay replay validate --sample-size 20 --min-rate 0.99
  tracereplay replay validate --id rec-1 --id rec-2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				return runReplayValidate(ctx, a, opts, cmd)
			})
		},
	}

	opts.flags.register(cmd.Flags())
	cmd.Flags().Float64Var(&opts.MinRate, "min-rate", 0, "minimum reproducibility rate (default replay.min_rate)")
	cmd.Flags().IntVar(&opts.SampleSize, "sample-size", replay.DefaultSampleSize, "number of recent recordings to sample")
	cmd.Flags().StringSliceVar(&opts.IDs, "id", nil, "validate these recordings instead of sampling")

	return cmd
}

func runReplayValidate(ctx context.Context, a *app, opts *replayValidateOptions, cmd *cobra.Command) error {
	res, err := a.engine.ValidateBatch(ctx, replay.BatchRequest{
		MinRate:      opts.MinRate,
		SampleSize:   opts.SampleSize,
		RecordingIDs: opts.IDs,
		Config:       opts.flags.apply(cmd.Flags(), a.cfg.ReplayDefaults()),
	})
	if err != nil {
		return failed("batch validation failed", err)
	}

	out := formatter(cmd, opts.RootOptions)
	text := func(w io.Writer) {
		verdict := "PASS"
		if !res.Passed {
			verdict = "FAIL"
		}
		fmt.Fprintf(w, "Reproducibility validation: %s\n", verdict)
		fmt.Fprintf(w, "  Evaluated: %d (sample %d)\n", res.Evaluated, res.SampleSize)
		fmt.Fprintf(w, "  Passed:    %d (%.1f%%)\n", res.PassedCount, res.PassRate*100)
		fmt.Fprintf(w, "  Average:   %.1f%% (minimum %.1f%%)\n", res.AverageRate*100, res.MinRate*100)
		if res.Note != "" {
			fmt.Fprintf(w, "  Note:      %s\n", res.Note)
		}
		for _, item := range res.Results {
			status := "pass"
			if !item.Passed {
				status = "FAIL"
			}
			line := fmt.Sprintf("  %-4s %s %.1f%%", status, item.RecordingID, item.ReproducibilityRate*100)
			if item.Error != "" {
				line += " error=" + item.Error
			}
			fmt.Fprintln(w, line)
		}
	}
	if !res.Passed {
		if err := out.Failure(res, text); err != nil {
			return err
		}
		return reportedFailure("reproducibility validation failed", nil)
	}
	return out.Success(res, text)
}

// executionDetail is the show output: a stored execution plus its
// per-step validations.
type executionDetail struct {
	Execution   model.ReplayExecution   `json:"execution"`
	Validations []model.TraceValidation `json:"validations"`
}

func newReplayShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "show <execution-id>",
		Short:         "Show a stored replay execution and its validations",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				exec, err := a.engine.Execution(ctx, args[0])
				if err != nil {
					return failed("failed to get replay execution", err)
				}
				vals, err := a.engine.Validations(ctx, exec.ID)
				if err != nil {
					return failed("failed to list validations", err)
				}
				detail := executionDetail{Execution: exec, Validations: vals}
				return formatter(cmd, rootOpts).Success(detail, func(w io.Writer) {
					fmt.Fprintf(w, "Execution %s of %s\n", exec.ID, exec.RecordingID)
					fmt.Fprintf(w, "  Status:          %s\n", exec.Status)
					fmt.Fprintf(w, "  Started:         %s\n", exec.StartedAt.Format("2006-01-02 15:04:05"))
					fmt.Fprintf(w, "  Steps:           %d/%d reproduced\n", exec.ReproducibleSteps, exec.TotalSteps)
					fmt.Fprintf(w, "  Reproducibility: %.1f%%\n", exec.ReproducibilityRate*100)
					for _, v := range vals {
						mark := "ok"
						if !v.IsValid {
							mark = "DIVERGED"
						}
						fmt.Fprintf(w, "  %-8s %-16s %-20s confidence=%.2f\n", mark, v.StepName, v.ValidationType, v.Confidence)
					}
				})
			})
		},
	}
	return cmd
}
