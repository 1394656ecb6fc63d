package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"vidax/internal/config"
	"vidax/internal/history"
	"vidax/internal/logging"
	"vidax/internal/pipeline"
)

type commandContext struct {
	configFlag *string
	extra      []pipeline.Option

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, extra []pipeline.Option) *commandContext {
	return &commandContext{configFlag: configFlag, extra: extra}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *slog.Logger {
	cfg, _ := c.ensureConfig()
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// openHistory opens the run index. A failure is reported on the logger and
// yields nil; runs proceed without an index.
func (c *commandContext) openHistory(logger *slog.Logger) *history.Store {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil
	}
	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		logging.WarnWithContext(logger, "run history unavailable", "history_open_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "runs will not appear in `vidax runs`"),
		)
		return nil
	}
	return store
}

// newRunner builds a runner wired to the real engine, registry and history
// index. The returned close func releases the index.
func (c *commandContext) newRunner(logger *slog.Logger) (*pipeline.Runner, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	closeFn := func() {}
	if store := c.openHistory(logger); store != nil {
		opts = append(opts, pipeline.WithIndex(store))
		closeFn = func() { _ = store.Close() }
	}
	opts = append(opts, c.extra...)
	return pipeline.New(cfg, opts...), closeFn, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
