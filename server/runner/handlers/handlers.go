// Package handlers holds the consumer handlers that can be started with
// "relay consumer <name>".
package handlers

import "github.com/THPTUHA/relay/server/runner"

// Registry returns every known handler.
func Registry() *runner.Registry {
	r := runner.NewRegistry()
	r.Register("userstate", newUserState)
	return r
}
