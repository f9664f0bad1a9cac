//go:build windows

package main

import "os"

// captureStderr does nothing on Windows, which has no dup2.
func captureStderr(f *os.File) error { return nil }
