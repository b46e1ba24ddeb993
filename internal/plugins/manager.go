package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"plugin"
	"sort"
	"sync"
	"time"

	"github.com/EchoPBX/echostream/pkg/sdk"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manifest describes plugins.json.
type Manifest struct {
	Plugins []Entry `json:"plugins"`
}

type Entry struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Server  Server         `json:"server"`
	UI      *UI            `json:"ui,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Server locates the shared object and its exported sdk.Plugin symbol.
type Server struct {
	Path  string `json:"path"`
	Entry string `json:"entry"`
}

// UI points at static assets shipped with the plugin. The manager only
// carries it; serving them is up to the plugin.
type UI struct {
	Path string `json:"path"`
}

// Opener resolves a plugin symbol from a shared object.
type Opener func(path, symbol string) (sdk.Plugin, error)

type Option func(*Manager)

// WithOpener replaces Go plugin loading, mainly for tests.
func WithOpener(o Opener) Option {
	return func(m *Manager) { m.open = o }
}

type loaded struct {
	plugin   sdk.Plugin
	version  string
	cancel   context.CancelFunc
	manifest bool
}

// Manager controls the loaded plugins. Every plugin gets its own context,
// cancelled on stop, so listeners it attached detach with it.
type Manager struct {
	log  *zap.Logger
	bus  *sdk.Bus
	open Opener

	mu      sync.Mutex
	plugins map[string]*loaded
}

func NewManager(log *zap.Logger, bus *sdk.Bus, opts ...Option) *Manager {
	m := &Manager{
		log:     log,
		bus:     bus,
		open:    openShared,
		plugins: make(map[string]*loaded),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func openShared(path, symbol string) (sdk.Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	// a variable declared with the interface type looks up as *sdk.Plugin
	if pp, ok := sym.(*sdk.Plugin); ok && *pp != nil {
		return *pp, nil
	}
	plug, ok := sym.(sdk.Plugin)
	if !ok {
		return nil, fmt.Errorf("symbol %s in %s is %T, not sdk.Plugin", symbol, path, sym)
	}
	return plug, nil
}

// ReadManifest parses a plugins.json file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &manifest, nil
}

// Register initialises an in-process plugin. Reload leaves it alone.
func (m *Manager) Register(name string, p sdk.Plugin, cfg map[string]any) error {
	return m.start(name, "", p, cfg, false)
}

// LoadManifest loads and initialises every plugin in the manifest. A plugin
// that fails is logged and skipped; the failures are returned together.
func (m *Manager) LoadManifest(path string) error {
	manifest, err := ReadManifest(path)
	if err != nil {
		return err
	}

	var errs error
	for _, e := range manifest.Plugins {
		if err := m.load(e); err != nil {
			m.log.Error("failed to load plugin",
				zap.String("name", e.Name),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("plugin %s: %w", e.Name, err))
		}
	}
	return errs
}

func (m *Manager) load(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("entry for %s has no name", e.Server.Path)
	}
	entry := e.Server.Entry
	if entry == "" {
		entry = "Plugin"
	}
	p, err := m.open(e.Server.Path, entry)
	if err != nil {
		return err
	}
	return m.start(e.Name, e.Version, p, e.Config, true)
}

func (m *Manager) start(name, version string, p sdk.Plugin, cfg map[string]any, manifest bool) error {
	m.mu.Lock()
	if _, ok := m.plugins[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("plugin %s already loaded", name)
	}
	// reserve the name so a concurrent start cannot race Init
	m.plugins[name] = nil
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	log := m.log.With(zap.String("plugin", name))
	if err := p.Init(sdk.NewContext(ctx, log, m.bus, cfg)); err != nil {
		cancel()
		m.mu.Lock()
		delete(m.plugins, name)
		m.mu.Unlock()
		return fmt.Errorf("init: %w", err)
	}

	m.mu.Lock()
	m.plugins[name] = &loaded{plugin: p, version: version, cancel: cancel, manifest: manifest}
	m.mu.Unlock()

	m.log.Info("plugin loaded",
		zap.String("name", name),
		zap.String("version", version),
		zap.Time("time", time.Now()))
	return nil
}

// Reload stops every manifest plugin and loads the manifest again.
func (m *Manager) Reload(path string) error {
	err := m.stop(func(l *loaded) bool { return l.manifest })
	if lerr := m.LoadManifest(path); lerr != nil {
		m.log.Warn("plugin reload failed", zap.Error(lerr))
		err = multierr.Append(err, lerr)
	}
	m.log.Info("plugins reloaded",
		zap.Strings("running", m.Names()),
		zap.Time("time", time.Now()))
	return err
}

// Shutdown stops every plugin.
func (m *Manager) Shutdown() error {
	return m.stop(func(*loaded) bool { return true })
}

func (m *Manager) stop(match func(*loaded) bool) error {
	m.mu.Lock()
	victims := make(map[string]*loaded)
	for name, l := range m.plugins {
		if l != nil && match(l) {
			victims[name] = l
			delete(m.plugins, name)
		}
	}
	m.mu.Unlock()

	var err error
	for name, l := range victims {
		l.cancel()
		if serr := l.plugin.Stop(); serr != nil {
			m.log.Warn("plugin stop failed", zap.String("name", name), zap.Error(serr))
			err = multierr.Append(err, fmt.Errorf("plugin %s: %w", name, serr))
		}
	}
	return err
}

// Names lists the running plugins.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.plugins))
	for name, l := range m.plugins {
		if l != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
