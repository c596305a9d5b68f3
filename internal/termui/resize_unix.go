//go:build !windows

package termui

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WatchResize calls fn with the new size on every SIGWINCH until ctx is done.
func (t *Terminal) WatchResize(ctx context.Context, fn func(cols, rows int)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if cols, rows, err := t.Size(); err == nil {
					fn(cols, rows)
				}
			}
		}
	}()
}
