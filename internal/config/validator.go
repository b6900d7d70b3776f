package config

import (
	"fmt"

	"github.com/prodigy-dev/prodigy/internal/core"
)

// Validate checks a parsed workflow for structural problems before any step
// runs.
func Validate(wf *core.Workflow) error {
	if wf.Name == "" {
		return core.ErrValidation(core.CodeInvalidWorkflow, "workflow requires a name")
	}

	switch wf.Mode {
	case core.ModeStandard:
		if len(wf.Commands) == 0 {
			return core.ErrValidation(core.CodeInvalidWorkflow,
				"standard workflow requires a commands list")
		}
		if wf.Map != nil || len(wf.Reduce) > 0 {
			return core.ErrValidation(core.CodeInvalidWorkflow,
				"map/reduce blocks are only valid in mapreduce mode")
		}
	case core.ModeMapReduce:
		if wf.Map == nil {
			return core.ErrValidation(core.CodeInvalidWorkflow,
				"mapreduce workflow requires a map block")
		}
		if wf.Map.Input == "" {
			return core.ErrValidation(core.CodeInvalidWorkflow, "map block requires an input")
		}
		if len(wf.Map.AgentTemplate) == 0 {
			return core.ErrValidation(core.CodeInvalidWorkflow,
				"map block requires an agent_template")
		}
		if wf.Map.MaxParallel < 0 || wf.Map.MaxRetries < 0 {
			return core.ErrValidation(core.CodeInvalidWorkflow,
				"max_parallel and max_retries must not be negative")
		}
	default:
		return core.ErrValidation(core.CodeInvalidWorkflow,
			fmt.Sprintf("unknown mode %q", wf.Mode))
	}

	if wf.ErrorPolicy != nil {
		switch wf.ErrorPolicy.OnItemFailure {
		case "", core.ItemFailureContinue, core.ItemFailureDLQ, core.ItemFailureAbort:
		default:
			return core.ErrValidation(core.CodeInvalidWorkflow,
				fmt.Sprintf("unknown on_item_failure %q", wf.ErrorPolicy.OnItemFailure))
		}
		switch wf.ErrorPolicy.ErrorCollection {
		case "", core.CollectFirst, core.CollectAggregate:
		default:
			return core.ErrValidation(core.CodeInvalidWorkflow,
				fmt.Sprintf("unknown error_collection %q", wf.ErrorPolicy.ErrorCollection))
		}
	}

	sequences := [][]core.Step{wf.Commands, wf.Setup, wf.Reduce}
	if wf.Map != nil {
		sequences = append(sequences, wf.Map.AgentTemplate)
	}
	if wf.Merge != nil {
		sequences = append(sequences, wf.Merge.Commands)
	}
	for _, steps := range sequences {
		if err := validateSteps(steps); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(steps []core.Step) error {
	for i := range steps {
		step := &steps[i]
		if err := step.Validate(); err != nil {
			return core.Trace(err, fmt.Sprintf("step %d", i), "config.Validate")
		}
		if step.Retry != nil && step.Retry.Attempts < 1 {
			return core.ErrValidation(core.CodeInvalidWorkflow,
				fmt.Sprintf("step %d: retry attempts must be at least 1", i))
		}
		if step.Capture != nil {
			switch step.Capture.Source {
			case "", core.CaptureStdout, core.CaptureStderr, core.CaptureJSON, core.CaptureExitCode:
			default:
				return core.ErrValidation(core.CodeInvalidWorkflow,
					fmt.Sprintf("step %d: unknown capture source %q", i, step.Capture.Source))
			}
		}
		for _, handler := range []*core.HandlerConfig{step.OnFailure, step.OnSuccess} {
			if handler == nil {
				continue
			}
			switch handler.Strategy {
			case core.StrategyRecovery, core.StrategyFallback, core.StrategyCleanup, core.StrategyCustom:
			default:
				return core.ErrValidation(core.CodeInvalidWorkflow,
					fmt.Sprintf("step %d: unknown handler strategy %q", i, handler.Strategy))
			}
			if err := validateSteps(handler.Steps); err != nil {
				return err
			}
		}
	}
	return nil
}
