package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prodigy-dev/prodigy/internal/core"
)

const standardYAML = `
name: fix-lints
mode: standard
env:
  PROJECT: demo
commands:
  - shell: "make lint"
    capture: lint_output
    timeout: 90s
  - claude: "/fix-lints ${lint_output}"
    commit_required: true
    retry:
      attempts: 3
      backoff: exponential
      base_delay: 2s
      jitter: true
    on_failure:
      strategy: cleanup
      steps:
        - shell: "git checkout ."
  - write_file:
      path: report.json
      content: '{"done": true}'
      format: json
`

const mapreduceYAML = `
name: fix-issues
mode: mapreduce
setup:
  - shell: "make analyze > issues.json"
map:
  input: issues.json
  json_path: "$.issues[*]"
  max_parallel: 5
  agent_timeout_secs: 300
  max_retries: 2
  agent_template:
    - claude: "/fix-issue ${item.description}"
      commit_required: true
reduce:
  - write_file:
      path: summary.json
      content: "${map.results}"
      format: json
merge:
  claude: "/resolve-merge ${merge.conflicts}"
error_policy:
  on_item_failure: dlq
  max_failures: 10
  error_collection: aggregate
`

func TestParse_StandardWorkflow(t *testing.T) {
	wf, err := Parse([]byte(standardYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if wf.Name != "fix-lints" || wf.Mode != core.ModeStandard {
		t.Errorf("header = %q %q", wf.Name, wf.Mode)
	}
	if wf.Env["PROJECT"] != "demo" {
		t.Errorf("env = %v", wf.Env)
	}
	if len(wf.Commands) != 3 {
		t.Fatalf("commands = %d", len(wf.Commands))
	}

	first := wf.Commands[0]
	if first.Kind() != core.StepShell || first.Timeout != 90*time.Second {
		t.Errorf("first = %+v", first)
	}
	if first.Capture == nil || first.Capture.Var != "lint_output" {
		t.Errorf("capture shorthand = %+v", first.Capture)
	}

	second := wf.Commands[1]
	if second.Kind() != core.StepClaude || !second.CommitRequired {
		t.Errorf("second = %+v", second)
	}
	if second.Retry == nil || second.Retry.Attempts != 3 ||
		second.Retry.Backoff != core.BackoffExponential ||
		second.Retry.BaseDelay != 2*time.Second || !second.Retry.Jitter {
		t.Errorf("retry = %+v", second.Retry)
	}
	if second.OnFailure == nil || second.OnFailure.Strategy != core.StrategyCleanup {
		t.Errorf("on_failure = %+v", second.OnFailure)
	}

	third := wf.Commands[2]
	if third.Kind() != core.StepWriteFile || third.WriteFile.Format != core.FormatJSON {
		t.Errorf("third = %+v", third.WriteFile)
	}
}

func TestParse_MapReduceWorkflow(t *testing.T) {
	wf, err := Parse([]byte(mapreduceYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if wf.Mode != core.ModeMapReduce || wf.Map == nil {
		t.Fatalf("wf = %+v", wf)
	}
	if wf.Map.Input != "issues.json" || wf.Map.JSONPath != "$.issues[*]" {
		t.Errorf("map input = %+v", wf.Map)
	}
	if wf.Map.MaxParallel != 5 || wf.Map.MaxRetries != 2 {
		t.Errorf("map bounds = %+v", wf.Map)
	}
	if wf.Map.AgentTimeout != 300*time.Second {
		t.Errorf("agent timeout = %v", wf.Map.AgentTimeout)
	}
	if len(wf.Map.AgentTemplate) != 1 || wf.Map.AgentTemplate[0].Kind() != core.StepClaude {
		t.Errorf("template = %+v", wf.Map.AgentTemplate)
	}
	if len(wf.Reduce) != 1 || wf.Reduce[0].Kind() != core.StepWriteFile {
		t.Errorf("reduce = %+v", wf.Reduce)
	}
	if wf.Merge == nil || wf.Merge.Claude == "" {
		t.Errorf("merge = %+v", wf.Merge)
	}
	if wf.ErrorPolicy == nil || wf.ErrorPolicy.OnItemFailure != core.ItemFailureDLQ ||
		wf.ErrorPolicy.MaxFailures != 10 {
		t.Errorf("error policy = %+v", wf.ErrorPolicy)
	}
}

func TestParse_DefaultsModeToStandard(t *testing.T) {
	wf, err := Parse([]byte("name: x\ncommands:\n  - shell: \"true\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if wf.Mode != core.ModeStandard {
		t.Errorf("mode = %v", wf.Mode)
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "mode: standard\ncommands:\n  - shell: \"true\"\n"},
		{"standard without commands", "name: x\nmode: standard\n"},
		{"mapreduce without map", "name: x\nmode: mapreduce\n"},
		{"unknown mode", "name: x\nmode: batch\ncommands:\n  - shell: \"true\"\n"},
		{"two command keys", "name: x\ncommands:\n  - shell: \"true\"\n    claude: \"/x\"\n"},
		{"map in standard mode", "name: x\nmode: standard\ncommands:\n  - shell: \"true\"\nmap:\n  input: \"[]\"\n  agent_template:\n    - shell: \"true\"\n"},
		{"retry without attempts", "name: x\ncommands:\n  - shell: \"true\"\n    retry:\n      backoff: fixed\n"},
		{"bad capture source", "name: x\ncommands:\n  - shell: \"true\"\n    capture:\n      var: v\n      source: tty\n"},
		{"bad handler strategy", "name: x\ncommands:\n  - shell: \"true\"\n    on_failure:\n      strategy: shrug\n      steps:\n        - shell: \"true\"\n"},
		{"not yaml", ": ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("accepted invalid workflow:\n%s", tt.yaml)
			}
		})
	}
}

func TestDuration_NumericSeconds(t *testing.T) {
	wf, err := Parse([]byte("name: x\ncommands:\n  - shell: \"true\"\n    timeout: 45\n"))
	if err != nil {
		t.Fatal(err)
	}
	if wf.Commands[0].Timeout != 45*time.Second {
		t.Errorf("timeout = %v", wf.Commands[0].Timeout)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	if err := os.WriteFile(path, []byte(standardYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	wf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if wf.Name != "fix-lints" {
		t.Errorf("name = %q", wf.Name)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
