// Package logging is a thin façade over the structured logger
// (github.com/ternarybob/arbor) so JWOC call sites depend on this package's
// Logger alias instead of importing arbor directly.
package logging

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
)

// Logger is the chainable structured logger every JWOC component logs
// through.
type Logger = arbor.ILogger

// Setup configures the global arbor logger from cfg and returns it,
// delegating to common.SetupLogger so file/console/memory writer wiring
// and level parsing stay in one place.
func Setup(cfg *common.Config) Logger {
	return common.SetupLogger(cfg)
}

// Get returns the process-wide logger, falling back to a console logger
// if Setup has not run yet.
func Get() Logger {
	return common.GetLogger()
}

// Stop flushes any buffered log writers before shutdown.
func Stop() {
	common.Stop()
}
