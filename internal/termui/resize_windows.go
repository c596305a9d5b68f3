//go:build windows

package termui

import "context"

// WatchResize is a no-op: Windows consoles have no SIGWINCH.
func (t *Terminal) WatchResize(ctx context.Context, fn func(cols, rows int)) {}
