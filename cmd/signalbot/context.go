package main

import (
	"context"
	"strings"
	"sync"

	"signalbot/internal/app"
	"signalbot/internal/config"
	logx "signalbot/pkg/logx"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil || strings.TrimSpace(*c.configFlag) == "" {
		return defaultConfigPath
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.NewManager(c.configPath()).Load()
	})
	return c.config, c.configErr
}

// withComponents builds the stack for one command and closes it afterwards.
// Commands log to the console at warn so their own output stays readable.
func (c *commandContext) withComponents(ctx context.Context, opt app.BuildOptions, fn func(*app.Components) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	comps, err := app.Build(ctx, cfg, logx.NewConsole("warn"), opt)
	if err != nil {
		return err
	}
	defer comps.Close()
	return fn(comps)
}
