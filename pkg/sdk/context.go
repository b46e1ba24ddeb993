package sdk

import (
	"context"

	"github.com/EchoPBX/echostream/pkg/events"
	"go.uber.org/zap"
)

// Bus is the shared event bus every runtime callback is pushed onto.
type Bus = events.Bus[Event]

type Context interface {
	Log() *zap.Logger
	Bus() *Bus
	Config() map[string]any
	// Context is cancelled when the plugin is stopped or reloaded. Pass it
	// to Listen so listeners detach with the plugin.
	Context() context.Context
}

type pluginContext struct {
	ctx context.Context
	log *zap.Logger
	bus *Bus
	cfg map[string]any
}

// NewContext builds the Context handed to Plugin.Init.
func NewContext(ctx context.Context, log *zap.Logger, bus *Bus, cfg map[string]any) Context {
	if cfg == nil {
		cfg = map[string]any{}
	}
	return &pluginContext{ctx: ctx, log: log, bus: bus, cfg: cfg}
}

func (c *pluginContext) Log() *zap.Logger         { return c.log }
func (c *pluginContext) Bus() *Bus                { return c.bus }
func (c *pluginContext) Config() map[string]any   { return c.cfg }
func (c *pluginContext) Context() context.Context { return c.ctx }
