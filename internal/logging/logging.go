// Package logging builds the broker's structured logger: cmd/brokerd uses
// it for zap.String/zap.Error fields at startup, accept and poll errors,
// and shutdown-phase boundaries, and hands it to internal/metrics.
package logging

import "go.uber.org/zap"

// New builds a production or development zap.Logger depending on debug.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
