package bufsched

import "github.com/pkg/errors"

// Config holds the tunables NewScheduler needs. BufferSize and
// MaxPoolSize are required; everything else defaults per spec and can be
// overridden with an Option.
type Config struct {
	BufferSize  uint64
	MaxPoolSize uint64

	MinFree         uint64
	MaxFree         uint64
	InitialCapacity uint64
	NrSwapout       uint64

	// SwapDir is where the swapper keeps its backing file. Empty uses the
	// process's temp directory.
	SwapDir string
}

// Option modifies a Config away from its spec-mandated defaults.
type Option func(*Config)

// WithMinFree overrides the low-water mark (default 300).
func WithMinFree(n uint64) Option {
	return func(c *Config) { c.MinFree = n }
}

// WithMaxFree overrides the high-water mark (default MaxPoolSize/4 + 1).
func WithMaxFree(n uint64) Option {
	return func(c *Config) { c.MaxFree = n }
}

// WithInitialCapacity overrides the initial slab count (default 50).
func WithInitialCapacity(n uint64) Option {
	return func(c *Config) { c.InitialCapacity = n }
}

// WithNrSwapout overrides the eviction batch size (default 10).
func WithNrSwapout(n uint64) Option {
	return func(c *Config) { c.NrSwapout = n }
}

// WithSwapDir overrides where the swapper persists evicted payloads.
func WithSwapDir(dir string) Option {
	return func(c *Config) { c.SwapDir = dir }
}

func newConfig(bufferSize, maxPoolSize uint64, opts []Option) (Config, error) {
	cfg := Config{
		BufferSize:      bufferSize,
		MaxPoolSize:     maxPoolSize,
		MinFree:         300,
		MaxFree:         maxPoolSize/4 + 1,
		InitialCapacity: 50,
		NrSwapout:       10,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize == 0 || cfg.MaxPoolSize == 0 {
		return cfg, errors.Wrap(ErrInvalidArgument, "buffer size and max pool size must be non-zero")
	}
	if cfg.MinFree < 1 {
		return cfg, errors.Wrap(ErrInvalidArgument, "min_free must be >= 1")
	}
	if cfg.MaxFree < 1 || cfg.MaxFree >= cfg.MaxPoolSize {
		return cfg, errors.Wrap(ErrInvalidArgument, "max_free must be >= 1 and < max_pool_size")
	}
	if cfg.MinFree >= cfg.MaxFree {
		return cfg, errors.Wrap(ErrInvalidArgument, "min_free must be < max_free")
	}
	if cfg.InitialCapacity > cfg.MaxPoolSize {
		return cfg, errors.Wrap(ErrInvalidArgument, "initial capacity must not exceed max_pool_size")
	}
	return cfg, nil
}
