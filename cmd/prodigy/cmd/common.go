package cmd

import (
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/prodigy-dev/prodigy/internal/adapters/git"
	"github.com/prodigy-dev/prodigy/internal/adapters/state"
	"github.com/prodigy-dev/prodigy/internal/core"
	"github.com/prodigy-dev/prodigy/internal/execx"
	"github.com/prodigy-dev/prodigy/internal/fsutil"
	"github.com/prodigy-dev/prodigy/internal/service"
	"github.com/prodigy-dev/prodigy/internal/service/mapreduce"
)

// app wires the core components for one CLI invocation.
type app struct {
	repoDir   string
	stateRoot string
	store     core.CheckpointStore
	locker    *state.Locker
	runner    *service.Runner
}

func buildApp() (*app, error) {
	repoDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	stateRoot := resolveStateDir(repoDir)
	store, err := state.New(state.Config{
		Backend: state.Backend(viper.GetString("state_backend")),
		Root:    stateRoot,
	}, logger)
	if err != nil {
		return nil, err
	}

	runner := execx.NewRunner(logger)
	exec := service.NewExecutor(runner, logger)
	return &app{
		repoDir:   repoDir,
		stateRoot: stateRoot,
		store:     store,
		locker:    state.NewLocker(stateRoot),
		runner:    service.NewRunner(exec, store, logger),
	}, nil
}

// gitApp adds the git client and worktree manager for commands that need a
// repository.
func (a *app) gitApp() (*git.Client, *git.Manager, error) {
	client, err := git.NewClient(a.repoDir)
	if err != nil {
		return nil, nil, err
	}
	return client, git.NewManager(client, "", logger), nil
}

func (a *app) engine() (*mapreduce.Engine, error) {
	client, worktrees, err := a.gitApp()
	if err != nil {
		return nil, err
	}
	return mapreduce.NewEngine(a.runner, a.store, client, worktrees, logger), nil
}

// parseParams folds --param k=v pairs and an optional --param-file into one
// map. Explicit --param values win.
func parseParams(pairs []string, file string) (map[string]string, error) {
	params := make(map[string]string)

	if file != "" {
		data, err := fsutil.ReadFile(file)
		if err != nil {
			return nil, core.ErrValidation(core.CodeInvalidConfig,
				"reading param file: "+err.Error())
		}
		if err := yaml.Unmarshal(data, &params); err != nil {
			return nil, core.ErrValidation(core.CodeInvalidConfig,
				"param file must be a flat key: value mapping: "+err.Error())
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, core.ErrValidation(core.CodeInvalidConfig,
				"--param requires KEY=VALUE, got "+pair)
		}
		params[key] = value
	}
	return params, nil
}
