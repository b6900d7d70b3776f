package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/execx"
)

// applyCapture binds the configured variable from a completed step's output.
// Structured capture failures are interpolation-class errors carrying the
// variable name, distinct from downstream format errors.
func applyCapture(cfg *core.CaptureConfig, out *execx.Output) (map[string]any, error) {
	if cfg == nil || cfg.Var == "" {
		return nil, nil
	}

	captures := make(map[string]any, 1)
	switch cfg.Source {
	case core.CaptureStderr:
		captures[cfg.Var] = out.Stderr
	case core.CaptureExitCode:
		captures[cfg.Var] = out.ExitCode
	case core.CaptureJSON:
		var value any
		trimmed := strings.TrimSpace(out.Stdout)
		if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
			// Fall back to structured line data when the runner already
			// parsed JSONL.
			if len(out.StructuredData) > 0 {
				captures[cfg.Var] = out.StructuredData
				break
			}
			return nil, (&core.DomainError{
				Category:  core.ErrCatInterpolation,
				Code:      core.CodeTypeMismatch,
				Message:   fmt.Sprintf("capture %q expects JSON stdout: %v", cfg.Var, err),
				Retryable: false,
				Details:   map[string]any{"path": cfg.Var},
			}).Trace("apply capture", "service.Executor")
		}
		captures[cfg.Var] = value
	case core.CaptureStdout, "":
		captures[cfg.Var] = strings.TrimRight(out.Stdout, "\n")
	default:
		return nil, core.ErrValidation(core.CodeInvalidWorkflow,
			fmt.Sprintf("unknown capture source %q", cfg.Source))
	}

	return captures, nil
}
