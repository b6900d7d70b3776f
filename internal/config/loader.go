// Package config parses workflow files into the core model.
package config

import (
	"fmt"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/fsutil"
)

// Duration unmarshals YAML durations given as either a bare number of
// seconds or a human string ("90s", "2m", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds int64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("duration must be seconds or a duration string")
	}
	parsed, err := str2duration.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// rawCapture accepts the string shorthand (`capture: varname`) and the full
// mapping form.
type rawCapture struct {
	Var    string `yaml:"var"`
	Source string `yaml:"source"`
}

func (c *rawCapture) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err == nil {
		c.Var = name
		return nil
	}
	type plain rawCapture
	return node.Decode((*plain)(c))
}

type rawRetry struct {
	Attempts     int        `yaml:"attempts"`
	Backoff      string     `yaml:"backoff"`
	BaseDelay    Duration   `yaml:"base_delay"`
	Increment    Duration   `yaml:"increment"`
	Multiplier   float64    `yaml:"multiplier"`
	Sequence     []Duration `yaml:"sequence"`
	MaxDelay     Duration   `yaml:"max_delay"`
	Jitter       bool       `yaml:"jitter"`
	JitterFactor float64    `yaml:"jitter_factor"`
	Budget       Duration   `yaml:"budget"`
	RetryOn      []string   `yaml:"retry_on"`
}

type rawHandler struct {
	Strategy     string    `yaml:"strategy"`
	Steps        []rawStep `yaml:"steps"`
	FailureFatal bool      `yaml:"handler_failure_fatal"`
}

type rawWriteFile struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
	Format  string `yaml:"format"`
}

type rawStep struct {
	ID             string            `yaml:"id"`
	Claude         string            `yaml:"claude"`
	Shell          string            `yaml:"shell"`
	WriteFile      *rawWriteFile     `yaml:"write_file"`
	Timeout        Duration          `yaml:"timeout"`
	Retry          *rawRetry         `yaml:"retry"`
	Capture        *rawCapture       `yaml:"capture"`
	OnFailure      *rawHandler       `yaml:"on_failure"`
	OnSuccess      *rawHandler       `yaml:"on_success"`
	CommitRequired bool              `yaml:"commit_required"`
	Env            map[string]string `yaml:"env"`
	WorkingDir     string            `yaml:"working_dir"`
	Strict         bool              `yaml:"strict"`
}

type rawMap struct {
	Input            string    `yaml:"input"`
	JSONPath         string    `yaml:"json_path"`
	MaxParallel      int       `yaml:"max_parallel"`
	AgentTimeoutSecs Duration  `yaml:"agent_timeout_secs"`
	JobTimeout       Duration  `yaml:"job_timeout"`
	MaxRetries       int       `yaml:"max_retries"`
	AgentTemplate    []rawStep `yaml:"agent_template"`
}

type rawMerge struct {
	Commands []rawStep `yaml:"commands"`
	Claude   string    `yaml:"claude"`
}

type rawErrorPolicy struct {
	OnItemFailure     string `yaml:"on_item_failure"`
	ContinueOnFailure bool   `yaml:"continue_on_failure"`
	MaxFailures       int    `yaml:"max_failures"`
	ErrorCollection   string `yaml:"error_collection"`
}

type rawWorkflow struct {
	Name          string            `yaml:"name"`
	Mode          string            `yaml:"mode"`
	Env           map[string]string `yaml:"env"`
	Commands      []rawStep         `yaml:"commands"`
	Setup         []rawStep         `yaml:"setup"`
	Map           *rawMap           `yaml:"map"`
	Reduce        []rawStep         `yaml:"reduce"`
	Merge         *rawMerge         `yaml:"merge"`
	ErrorPolicy   *rawErrorPolicy   `yaml:"error_policy"`
	MaxIterations int               `yaml:"max_iterations"`
}

// Load reads and validates a workflow file.
func Load(path string) (*core.Workflow, error) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("reading workflow %s: %v", path, err))
	}
	return Parse(data)
}

// Parse converts workflow YAML into the core model.
func Parse(data []byte) (*core.Workflow, error) {
	var raw rawWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("parsing workflow YAML: %v", err))
	}

	wf := &core.Workflow{
		Name:          raw.Name,
		Mode:          core.WorkflowMode(raw.Mode),
		Env:           raw.Env,
		Commands:      convertSteps(raw.Commands),
		Setup:         convertSteps(raw.Setup),
		Reduce:        convertSteps(raw.Reduce),
		MaxIterations: raw.MaxIterations,
	}
	if wf.Mode == "" {
		wf.Mode = core.ModeStandard
	}
	if raw.Map != nil {
		wf.Map = &core.MapConfig{
			Input:         raw.Map.Input,
			JSONPath:      raw.Map.JSONPath,
			MaxParallel:   raw.Map.MaxParallel,
			AgentTimeout:  time.Duration(raw.Map.AgentTimeoutSecs),
			JobTimeout:    time.Duration(raw.Map.JobTimeout),
			MaxRetries:    raw.Map.MaxRetries,
			AgentTemplate: convertSteps(raw.Map.AgentTemplate),
		}
	}
	if raw.Merge != nil {
		wf.Merge = &core.MergeConfig{
			Commands: convertSteps(raw.Merge.Commands),
			Claude:   raw.Merge.Claude,
		}
	}
	if raw.ErrorPolicy != nil {
		wf.ErrorPolicy = &core.ErrorPolicy{
			OnItemFailure:     core.ItemFailureAction(raw.ErrorPolicy.OnItemFailure),
			ContinueOnFailure: raw.ErrorPolicy.ContinueOnFailure,
			MaxFailures:       raw.ErrorPolicy.MaxFailures,
			ErrorCollection:   core.ErrorCollection(raw.ErrorPolicy.ErrorCollection),
		}
	}

	if err := Validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func convertSteps(raw []rawStep) []core.Step {
	if len(raw) == 0 {
		return nil
	}
	steps := make([]core.Step, 0, len(raw))
	for _, rs := range raw {
		steps = append(steps, convertStep(rs))
	}
	return steps
}

func convertStep(rs rawStep) core.Step {
	step := core.Step{
		ID:             rs.ID,
		Claude:         rs.Claude,
		Shell:          rs.Shell,
		Timeout:        time.Duration(rs.Timeout),
		CommitRequired: rs.CommitRequired,
		Env:            rs.Env,
		WorkingDir:     rs.WorkingDir,
		Strict:         rs.Strict,
	}
	if rs.WriteFile != nil {
		format := core.FileFormat(rs.WriteFile.Format)
		if format == "" {
			format = core.FormatText
		}
		step.WriteFile = &core.WriteFileSpec{
			Path:    rs.WriteFile.Path,
			Content: rs.WriteFile.Content,
			Format:  format,
		}
	}
	if rs.Retry != nil {
		sequence := make([]time.Duration, 0, len(rs.Retry.Sequence))
		for _, d := range rs.Retry.Sequence {
			sequence = append(sequence, time.Duration(d))
		}
		step.Retry = &core.RetryConfig{
			Attempts:     rs.Retry.Attempts,
			Backoff:      core.BackoffKind(rs.Retry.Backoff),
			BaseDelay:    time.Duration(rs.Retry.BaseDelay),
			Increment:    time.Duration(rs.Retry.Increment),
			Multiplier:   rs.Retry.Multiplier,
			Sequence:     sequence,
			MaxDelay:     time.Duration(rs.Retry.MaxDelay),
			Jitter:       rs.Retry.Jitter,
			JitterFactor: rs.Retry.JitterFactor,
			Budget:       time.Duration(rs.Retry.Budget),
			RetryOn:      rs.Retry.RetryOn,
		}
	}
	if rs.Capture != nil {
		step.Capture = &core.CaptureConfig{
			Var:    rs.Capture.Var,
			Source: core.CaptureSource(rs.Capture.Source),
		}
	}
	if rs.OnFailure != nil {
		step.OnFailure = convertHandler(rs.OnFailure)
	}
	if rs.OnSuccess != nil {
		step.OnSuccess = convertHandler(rs.OnSuccess)
	}
	return step
}

func convertHandler(rh *rawHandler) *core.HandlerConfig {
	strategy := core.HandlerStrategy(rh.Strategy)
	if strategy == "" {
		strategy = core.StrategyRecovery
	}
	return &core.HandlerConfig{
		Strategy:     strategy,
		Steps:        convertSteps(rh.Steps),
		FailureFatal: rh.FailureFatal,
	}
}
