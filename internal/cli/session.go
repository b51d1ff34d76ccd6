package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipeweaver/internal/config"
	"pipeweaver/internal/core"
	"pipeweaver/internal/engine"
	"pipeweaver/internal/logging"
	"pipeweaver/internal/metrics"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/store"
)

// session is the configured engine of one command invocation.
type session struct {
	cfg     *config.Config
	workDir string
	log     *logrus.Logger
	store   *store.Store
	metrics *metrics.Metrics
	engine  *engine.Engine
}

// loadConfig reads the configuration and applies the flags the user set.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	workDir := a.opts.workDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		workDir = wd
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, "", invalidInvocationf("--workdir: %v", err)
	}

	flags := cmd.Flags()
	cfgPath, err := resolveUnderWorkDir(workDir, a.opts.configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath, !flags.Changed("config"))
	if err != nil {
		return nil, "", configErrorf("%v", err)
	}

	if flags.Changed("plan") {
		cfg.Plan = a.opts.planPath
	}
	if flags.Changed("store-dir") {
		cfg.StoreDir = a.opts.storeDir
	}
	if flags.Changed("jobs") {
		cfg.Jobs = a.opts.jobs
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.opts.logFormat
	}
	if err := config.Validate(cfg); err != nil {
		return nil, "", invalidInvocationf("%v", err)
	}
	return cfg, workDir, nil
}

// open loads the configuration and opens the store.
func (a *app) open(cmd *cobra.Command) (*session, error) {
	cfg, workDir, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: a.stderr})
	if err != nil {
		return nil, invalidInvocationf("%v", err)
	}

	storeDir, err := resolveUnderWorkDir(workDir, cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Options{
		Dir:        filepath.Join(storeDir, "db"),
		SyncWrites: cfg.SyncWrites,
		CacheSize:  cfg.CacheSize,
		Logger:     log,
	})
	if err != nil {
		return nil, &state.WorkspaceFailureError{Code: "StoreOpen", Message: err.Error(), Cause: err}
	}
	ledger, err := state.NewStore(storeDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	m := metrics.New()
	eng, err := engine.New(engine.Options{
		Store:    st,
		Ledger:   ledger,
		WorkDir:  workDir,
		FileHash: core.FileHashMode(cfg.FileHash),
		Log:      log,
		Metrics:  m,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &session{cfg: cfg, workDir: workDir, log: log, store: st, metrics: m, engine: eng}, nil
}

// plan loads the configured plan file.
func (s *session) plan() (*core.Plan, error) {
	path, err := s.path(s.cfg.Plan)
	if err != nil {
		return nil, err
	}
	p, err := config.LoadPlan(path)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, configErrorf("%v", err)
	}
	return p, nil
}

// hasPlan reports whether the configured plan file exists.
func (s *session) hasPlan() bool {
	path, err := s.path(s.cfg.Plan)
	if err != nil || path == "" {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// path resolves p under the work dir. Empty stays empty.
func (s *session) path(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return resolveUnderWorkDir(s.workDir, p)
}

func (s *session) Close() error {
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}
