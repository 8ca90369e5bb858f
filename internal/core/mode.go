// Package core is the orchestration layer.  It runs sessions on
// whatever listener a mode provides and builds the right mode from a
// Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  agi  →  session  →  handler  →  core  →  cmd (CLI)
//
// Build is the single dispatch point between configuration and a
// running server.
package core

import "context"

// Mode is a complete way of running the server: listening locally or
// serving through an SSH gateway.  Each mode owns its listener from
// creation to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
