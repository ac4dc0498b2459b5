package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/kirillkom/document-pipeline/internal/bootstrap"
	"github.com/kirillkom/document-pipeline/internal/config"
	"github.com/kirillkom/document-pipeline/internal/observability/logging"
)

const service = "docctl"

type commandContext struct {
	configFlag *string

	appOnce sync.Once
	app     *bootstrap.App
	appErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureApp loads configuration and opens the backing services once per
// invocation. Logs go to stderr so tables and JSON stay clean on stdout.
func (c *commandContext) ensureApp(ctx context.Context) (*bootstrap.App, error) {
	c.appOnce.Do(func() {
		if c.configFlag != nil {
			if path := strings.TrimSpace(*c.configFlag); path != "" {
				_ = os.Setenv("CONFIG_FILE", path)
			}
		}
		cfg, err := config.Load()
		if err != nil {
			c.appErr = err
			return
		}
		slog.SetDefault(logging.New(os.Stderr, service, cfg.LogLevel))
		c.app, c.appErr = bootstrap.New(ctx, cfg, service)
	})
	return c.app, c.appErr
}

// withApp runs fn against the opened services and releases them afterwards.
func (c *commandContext) withApp(ctx context.Context, fn func(*bootstrap.App) error) error {
	app, err := c.ensureApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}
