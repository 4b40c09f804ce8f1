// Package orchestrator is the Startup Orchestrator: a monotonic,
// event-driven boot pipeline with weighted progress reporting, strict
// dependency ordering, and required-vs-optional step policy.
//
// It never imposes a wall-clock deadline on a step; cancellation is
// cooperative via context.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// BootStep is one stage of the boot plan. Weight is a percentage share;
// the full plan's weights must sum to 100.
type BootStep struct {
	ID          string
	DisplayName string
	Required    bool
	Weight      int
	Init        func(ctx context.Context) error
}

// ProgressEvent is emitted before each step starts and whenever a step
// reports incremental progress within itself.
type ProgressEvent struct {
	Percent int
	Message string
}

// StepFailedEvent is emitted when a step's Init returns an error.
type StepFailedEvent struct {
	StepID   string
	Required bool
	Err      error
}

// Orchestrator executes a boot plan sequentially, translating each step's
// completion into cumulative percentage progress.
type Orchestrator struct {
	log      zerolog.Logger
	steps    []BootStep
	onProgress func(ProgressEvent)
	onStepFailed func(StepFailedEvent)
}

// New constructs an Orchestrator for the given plan. The plan's weights
// must sum to 100; this is checked in Run, not here, so callers can build
// the plan incrementally before running it.
func New(log zerolog.Logger, steps []BootStep) *Orchestrator {
	return &Orchestrator{
		log:   log.With().Str("component", "orchestrator").Logger(),
		steps: steps,
	}
}

// OnProgress registers the single progress sink (typically the splash
// window bridge). Replaces any previously registered sink.
func (o *Orchestrator) OnProgress(f func(ProgressEvent)) {
	o.onProgress = f
}

// OnStepFailed registers the single step-failure sink.
func (o *Orchestrator) OnStepFailed(f func(StepFailedEvent)) {
	o.onStepFailed = f
}

// Run executes every step in declaration order. A required step's error
// aborts the run immediately; an optional step's error is logged and
// skipped. The splash percentage is never fed a value lower than a
// previously emitted one.
func (o *Orchestrator) Run(ctx context.Context) error {
	totalWeight := 0
	for _, s := range o.steps {
		totalWeight += s.Weight
	}
	if totalWeight != 100 {
		return fmt.Errorf("orchestrator: boot plan weights sum to %d, want 100", totalWeight)
	}

	completed := 0
	for _, step := range o.steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("orchestrator: cancelled before step %s: %w", step.ID, ctx.Err())
		default:
		}

		o.progress(completed, step.DisplayName+" …")

		if err := step.Init(ctx); err != nil {
			o.log.Error().Str("step", step.ID).Bool("required", step.Required).Err(err).Msg("boot step failed")
			if o.onStepFailed != nil {
				o.onStepFailed(StepFailedEvent{StepID: step.ID, Required: step.Required, Err: err})
			}
			if step.Required {
				return fmt.Errorf("orchestrator: required step %s failed: %w", step.ID, err)
			}
			// optional step: skip, do not reorder subsequent steps
		}

		completed += step.Weight
		o.progress(completed, step.DisplayName+" ready")
	}

	return nil
}

func (o *Orchestrator) progress(percent int, message string) {
	if o.onProgress != nil {
		o.onProgress(ProgressEvent{Percent: percent, Message: message})
	}
}

// ReportSubProgress lets a step's Init translate its own internal progress
// (e.g. a supervisor process-progress event) into a percentage contribution
// within that step's weight share, via the fixed table the caller supplies.
func (o *Orchestrator) ReportSubProgress(completedBeforeStep int, withinStepPercent int, stepWeight int, message string) {
	contribution := (withinStepPercent * stepWeight) / 100
	o.progress(completedBeforeStep+contribution, message)
}
