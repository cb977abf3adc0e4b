//go:build windows

package vt

import "os"

// stopSignal on Windows: os.Kill, since os.Process.Signal only supports
// os.Kill there.
var stopSignal = os.Kill
