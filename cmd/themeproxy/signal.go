package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// contextWithSignal returns a context cancelled on SIGINT or SIGTERM.
func contextWithSignal(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// closeContext returns a context for server shutdown.
//
// timeout <= 0 means no deadline: in-flight requests are waited for.
func closeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}
