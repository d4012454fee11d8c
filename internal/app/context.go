// Package app wires one application context: the session store, host
// client, and session manager owned by a single top-level caller. There are
// no process-wide singletons; the entry point constructs a Context once and
// passes it down explicitly.
package app

import (
	"github.com/GriffinCanCode/TermHost/internal/client"
	"github.com/GriffinCanCode/TermHost/internal/config"
	"github.com/GriffinCanCode/TermHost/internal/logging"
	"github.com/GriffinCanCode/TermHost/internal/manager"
	"github.com/GriffinCanCode/TermHost/internal/store"
)

// Context owns the terminal hosting pieces for one application instance.
type Context struct {
	Config  *config.Config
	Log     *logging.Logger
	Store   *store.Store
	Client  *client.Client
	Manager *manager.Manager
}

// New builds a context from configuration. The host connection is
// established lazily on first use.
func New(cfg *config.Config, log *logging.Logger) *Context {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logging.NewDefault()
	}

	st := store.New(store.Options{
		Path:          cfg.StorePath(),
		HistoryLimit:  cfg.Store.HistoryLimit,
		FlushDebounce: cfg.Store.FlushDebounce,
	}, log)

	cl := client.New(client.Options{
		SocketPath:    cfg.SocketPath(),
		HostBinary:    cfg.Spawn.Binary,
		SpawnAttempts: cfg.Spawn.Attempts,
		SpawnBackoff:  cfg.Spawn.Backoff,
	}, log)

	return &Context{
		Config:  cfg,
		Log:     log,
		Store:   st,
		Client:  cl,
		Manager: manager.New(cl, st, log),
	}
}

// Close tears the context down in reverse construction order. Sessions at
// the host keep running; only this context's view of them goes away.
func (c *Context) Close() error {
	c.Manager.Close()
	if err := c.Client.Close(); err != nil {
		return err
	}
	return c.Store.Close()
}
