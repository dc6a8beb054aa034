package main

import (
	"context"
	"net"
	"time"

	"github.com/Seednode/tracebox/bot"
)

// RunBot connects a headless player to a running server.
func RunBot(ctx context.Context, cfg *Config) error {
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.bot.addr)
	if err != nil {
		return err
	}

	logf(cfg, "START: Bot %q connected to %s", cfg.bot.name, conn.RemoteAddr())

	b := bot.New(conn, bot.Config{
		Name:     cfg.bot.name,
		Interval: cfg.bot.interval,
		Once:     cfg.bot.once,
		Logf: func(format string, args ...any) {
			logf(cfg, format, args...)
		},
	})

	startTime := time.Now()

	err = b.Run(ctx)

	logf(cfg, "STOP: Bot %q won %d rounds in %s", cfg.bot.name, b.Rounds(), time.Since(startTime).Round(time.Millisecond))

	return err
}
