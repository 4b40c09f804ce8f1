package orchestrator_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alloyide/core/internal/orchestrator"
	"github.com/rs/zerolog"
)

func TestRun_WeightsMustSumTo100(t *testing.T) {
	steps := []orchestrator.BootStep{
		{ID: "a", Weight: 50, Required: true, Init: func(context.Context) error { return nil }},
		{ID: "b", Weight: 40, Required: true, Init: func(context.Context) error { return nil }},
	}
	o := orchestrator.New(zerolog.Nop(), steps)
	if err := o.Run(context.Background()); err == nil {
		t.Fatal("expected error for weights not summing to 100")
	}
}

func TestRun_RequiredStepFailureAborts(t *testing.T) {
	var ranC bool
	steps := []orchestrator.BootStep{
		{ID: "a", Weight: 50, Required: true, Init: func(context.Context) error { return nil }},
		{ID: "b", Weight: 50, Required: true, Init: func(context.Context) error { return fmt.Errorf("boom") }},
		{ID: "c", Weight: 0, Required: true, Init: func(context.Context) error { ranC = true; return nil }},
	}
	o := orchestrator.New(zerolog.Nop(), steps)
	if err := o.Run(context.Background()); err == nil {
		t.Fatal("expected error from required step b")
	}
	if ranC {
		t.Error("step c must not run after required step b fails")
	}
}

func TestRun_OptionalStepFailureContinues(t *testing.T) {
	var ranC bool
	steps := []orchestrator.BootStep{
		{ID: "a", Weight: 50, Required: false, Init: func(context.Context) error { return fmt.Errorf("boom") }},
		{ID: "c", Weight: 50, Required: true, Init: func(context.Context) error { ranC = true; return nil }},
	}
	o := orchestrator.New(zerolog.Nop(), steps)
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("expected success despite optional failure: %v", err)
	}
	if !ranC {
		t.Error("step c must run after optional step a fails")
	}
}

func TestRun_ProgressNeverGoesBackward(t *testing.T) {
	var percents []int
	steps := []orchestrator.BootStep{
		{ID: "a", Weight: 30, Required: true, Init: func(context.Context) error { return nil }},
		{ID: "b", Weight: 70, Required: true, Init: func(context.Context) error { return nil }},
	}
	o := orchestrator.New(zerolog.Nop(), steps)
	o.OnProgress(func(ev orchestrator.ProgressEvent) { percents = append(percents, ev.Percent) })

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backward: %v", percents)
		}
	}
}

func TestCanonicalWeights_SumTo100(t *testing.T) {
	total := 0
	for _, w := range orchestrator.CanonicalWeights {
		total += w
	}
	if total != 100 {
		t.Fatalf("canonical weights sum to %d, want 100", total)
	}
}
