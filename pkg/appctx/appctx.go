// Package appctx threads configuration, ports, and injected time/randomness
// through constructors instead of relying on process-wide singletons --
// every subsystem takes an *appctx.Context (or the narrower port it needs)
// at construction time.
package appctx

import (
	"log"
	"os"

	"github.com/handreceipt/handreceipt/pkg/config"
	"github.com/handreceipt/handreceipt/pkg/ports"
)

// Context bundles the dependencies nearly every subsystem constructor
// needs. It is assembled once at startup (cmd/handreceiptd) and passed
// down explicitly -- it is plain data, not a context.Context and carries
// no cancellation semantics.
type Context struct {
	Config *config.Config
	Clock  ports.Clock
	Random ports.RandomSource
	Logger *log.Logger
}

// New builds a Context with production defaults (system clock, system
// random source, stderr logger) for the given config.
func New(cfg *config.Config) *Context {
	return &Context{
		Config: cfg,
		Clock:  ports.SystemClock{},
		Random: ports.SystemRandom{},
		Logger: log.New(os.Stderr, "[HandReceipt] ", log.LstdFlags),
	}
}

// SubLogger returns a logger prefixed for one component, matching the
// bracketed-component-name convention used throughout this module.
func (c *Context) SubLogger(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}
