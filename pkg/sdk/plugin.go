package sdk

// Plugin is implemented by the exported symbol of a Go plugin. Init attaches
// listeners; Stop releases anything Init started beyond those listeners,
// which detach on their own when the plugin context ends.
type Plugin interface {
	Init(ctx Context) error
	Stop() error
}
