//go:build !windows

package main

import (
	"os"
	"syscall"
)

// captureStderr points stderr at f so runtime panics end up in the crash
// log instead of on the terminal the TUI is drawing.
func captureStderr(f *os.File) error {
	return syscall.Dup2(int(f.Fd()), int(os.Stderr.Fd()))
}
