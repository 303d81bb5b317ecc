//go:build windows

package main

import "context"

// watchControlSignals is a no-op: there are no user signals on Windows.
// Use the control API instead.
func watchControlSignals(context.Context, controller) {}
