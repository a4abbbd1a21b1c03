//go:build unix

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// toggleSignal delivers SIGUSR1 as pause/resume toggles until ctx is done.
func toggleSignal(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	out := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
