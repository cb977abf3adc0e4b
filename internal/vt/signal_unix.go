//go:build !windows

package vt

import "syscall"

// stopSignal is sent to the child process on Stop(); it gives the
// wrapped CLI agent a chance to flush transcripts before exiting.
var stopSignal = syscall.SIGTERM
