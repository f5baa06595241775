package installer

import (
	"context"
	"log/slog"
)

// Step names one stage of helper removal.
type Step string

const (
	StepRemoveReceipt    Step = "remove-receipt"
	StepStop             Step = "stop"
	StepUnregister       Step = "unregister"
	StepRemoveDescriptor Step = "remove-descriptor"
	StepReload           Step = "reload"
	StepRemoveBinary     Step = "remove-binary"
)

type removalStep struct {
	step Step
	// tolerant steps log failures and continue; the service may already be
	// stopped or unknown to the manager.
	tolerant bool
	run      func(context.Context, Session) error
}

// RemovalTransaction is the ordered uninstall plan for one helper. Every step
// is idempotent, so a partially applied transaction can be run again.
type RemovalTransaction struct {
	steps  []removalStep
	logger *slog.Logger
}

// RemovalReport lists what a transaction did.
type RemovalReport struct {
	Completed []Step
	// Warnings holds failures of tolerant steps.
	Warnings map[Step]error
}

// NewRemovalTransaction plans removal of rec through reg.
func NewRemovalTransaction(reg Registrar, rec Record, logger *slog.Logger) *RemovalTransaction {
	return &RemovalTransaction{
		logger: logger,
		steps: []removalStep{
			// The receipt goes first so a half-removed helper never looks
			// complete to Install.
			{step: StepRemoveReceipt, run: func(ctx context.Context, s Session) error {
				if rec.ReceiptPath == "" {
					return nil
				}
				return s.Remove(ctx, rec.ReceiptPath)
			}},
			{step: StepStop, tolerant: true, run: func(ctx context.Context, s Session) error {
				return reg.Stop(ctx, s, rec)
			}},
			{step: StepUnregister, tolerant: true, run: func(ctx context.Context, s Session) error {
				return reg.Unregister(ctx, s, rec)
			}},
			{step: StepRemoveDescriptor, run: func(ctx context.Context, s Session) error {
				return s.Remove(ctx, rec.DescriptorPath)
			}},
			{step: StepReload, tolerant: true, run: func(ctx context.Context, s Session) error {
				return reg.Reload(ctx, s)
			}},
			{step: StepRemoveBinary, run: func(ctx context.Context, s Session) error {
				return s.Remove(ctx, rec.BinaryPath)
			}},
		},
	}
}

// Steps lists the planned steps in order.
func (t *RemovalTransaction) Steps() []Step {
	out := make([]Step, len(t.steps))
	for i, s := range t.steps {
		out[i] = s.step
	}
	return out
}

// Run applies the steps in order and stops at the first strict failure with a
// *RemovalError.
func (t *RemovalTransaction) Run(ctx context.Context, s Session) (RemovalReport, error) {
	report := RemovalReport{Warnings: map[Step]error{}}

	for i, step := range t.steps {
		if err := ctx.Err(); err != nil {
			return report, t.failure(i, report, err)
		}

		err := step.run(ctx, s)
		if err != nil && !step.tolerant {
			return report, t.failure(i, report, err)
		}
		if err != nil {
			report.Warnings[step.step] = err
			if t.logger != nil {
				t.logger.Warn("removal step failed, continuing", "step", string(step.step), "error", err.Error())
			}
		}
		report.Completed = append(report.Completed, step.step)
	}
	return report, nil
}

func (t *RemovalTransaction) failure(i int, report RemovalReport, err error) error {
	remaining := make([]Step, 0, len(t.steps)-i)
	for _, s := range t.steps[i:] {
		remaining = append(remaining, s.step)
	}
	return &RemovalError{
		Step:      t.steps[i].step,
		Completed: append([]Step(nil), report.Completed...),
		Remaining: remaining,
		Err:       err,
	}
}
