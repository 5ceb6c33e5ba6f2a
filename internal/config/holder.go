package config

import "sync/atomic"

// Holder shares the current *Config between the config watcher and the
// long-running loops that read it (the dispatcher in 'sync --watch', the
// resolver settings in 'serve'). The file path never changes.
type Holder struct {
	cfg      atomic.Pointer[Config]
	revision atomic.Uint64
	path     string
}

// NewHolder creates a Holder at revision 0.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cfg.Store(cfg)

	return h
}

// Config returns the current config snapshot. Callers must not mutate it.
func (h *Holder) Config() *Config {
	return h.cfg.Load()
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Revision counts successful updates.
func (h *Holder) Revision() uint64 {
	return h.revision.Load()
}

// Update publishes cfg and returns the new revision.
func (h *Holder) Update(cfg *Config) uint64 {
	h.cfg.Store(cfg)

	return h.revision.Add(1)
}
