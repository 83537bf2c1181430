/*
Package app assembles the domain services into one explicit context
passed to the API layer. No globals: everything the handlers need
hangs off this struct, built once in main and torn down in Close.
*/
package app

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Mokksdz/manchengo/config"
	"github.com/Mokksdz/manchengo/production"
	"github.com/Mokksdz/manchengo/stock"
	"github.com/Mokksdz/manchengo/store/sqlite"
	"github.com/Mokksdz/manchengo/sync"
)

// Context is the assembled application.
type Context struct {
	Config   *config.Config
	Store    *sqlite.Store
	Log      zerolog.Logger
	DeviceID string

	Stock    *stock.Service
	Workflow *production.Workflow
	Recipes  production.RecipeSource

	Recorder *sync.Recorder
	Resolver *sync.Resolver
	Syncer   *sync.Syncer // nil when sync is disabled

	online atomic.Bool
}

// New wires every service against the store. Syncer stays nil unless
// sync is enabled in the config.
func New(cfg *config.Config, store *sqlite.Store, log zerolog.Logger) *Context {
	deviceID := cfg.Sync.DeviceID
	if deviceID == "" {
		deviceID = "standalone"
	}

	recorder := sync.NewRecorder(store, deviceID, log)
	ledger := stock.NewLedger(store, log)
	registry := stock.NewRegistry(store, log)
	engine := stock.NewEngine(store, recorder, log)
	stockSvc := stock.NewService(ledger, registry, engine, store, store, recorder, log)
	workflow := production.NewWorkflow(store, store, engine, ledger, registry, recorder, log)
	resolver := sync.NewResolver(store, store, log)

	ctx := &Context{
		Config:   cfg,
		Store:    store,
		Log:      log,
		DeviceID: deviceID,
		Stock:    stockSvc,
		Workflow: workflow,
		Recipes:  store,
		Recorder: recorder,
		Resolver: resolver,
	}

	if cfg.Sync.Enabled {
		client := sync.NewClient(cfg.Sync.ServerURL, cfg.Sync.Token, deviceID, cfg.Sync.Timeout, log)
		ctx.Syncer = sync.NewSyncer(store, store, store, client, resolver, deviceID, log)
	}
	return ctx
}

// Online reports the current connectivity flag.
func (c *Context) Online() bool {
	if c.Syncer != nil {
		return c.Syncer.Online()
	}
	return c.online.Load()
}

// Close releases the store.
func (c *Context) Close() error {
	return c.Store.Close()
}
