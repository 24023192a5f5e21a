package app

import (
	"context"
	"os/signal"
	"syscall"

	"relay/cmd/internal/envcfg"
)

// Run is the CLI entrypoint used by cmd/relay.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	env := envcfg.New(envcfg.Prefix)
	cfg := LoadConfig(env)
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	env.LogIssues(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
