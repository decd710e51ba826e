// Package logging builds the structured zap logger used across the CLI
// binaries and passed down into the engine.
package logging

import "go.uber.org/zap"

// New builds a structured logger. debug selects development mode (console
// encoding, debug level, caller info); otherwise it's a production JSON
// logger at info level.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
