package definitions

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/thebtf/metricache/pkg/metrics"
)

// Set holds the owners built from definitions, in declaration order.
type Set struct {
	db       *gorm.DB
	owners   map[string]*metrics.Owner[Entity]
	configs  map[string]metrics.OwnerConfig
	defaults metrics.OwnerConfig
	log      zerolog.Logger
	order    []string
	opts     []metrics.OwnerOption
	mu       sync.RWMutex
}

// NewSet returns an empty set whose owners are created on db with opts.
func NewSet(db *gorm.DB, log zerolog.Logger, opts ...metrics.OwnerOption) *Set {
	return &Set{
		db:      db,
		owners:  map[string]*metrics.Owner[Entity]{},
		configs: map[string]metrics.OwnerConfig{},
		log:     log.With().Str("component", "definitions").Logger(),
		opts:    opts,
	}
}

// WithDefaults sets the batch size, batch timeout and default interval
// used by owners that do not declare their own.
func (s *Set) WithDefaults(d metrics.OwnerConfig) *Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = metrics.OwnerConfig{
		BatchSize:       d.BatchSize,
		BatchTimeout:    d.BatchTimeout,
		DefaultInterval: d.DefaultInterval,
	}
	return s
}

// Load reads path and applies it.
func (s *Set) Load(path string) error {
	f, err := LoadFile(path)
	if err != nil {
		return err
	}
	return s.Apply(f)
}

// Apply registers every owner and metric of f. Owners already in the set
// keep their configuration; their metrics are re-registered, which merges
// the new options into existing definitions. Metrics removed from f stay
// registered until restart.
func (s *Set) Apply(f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range f.Owners {
		def := &f.Owners[i]
		cfg := def.Config()
		if cfg.BatchSize == 0 {
			cfg.BatchSize = s.defaults.BatchSize
		}
		if cfg.BatchTimeout == 0 {
			cfg.BatchTimeout = s.defaults.BatchTimeout
		}
		if cfg.DefaultInterval == 0 {
			cfg.DefaultInterval = s.defaults.DefaultInterval
		}

		owner, ok := s.owners[def.Name]
		if !ok {
			var err error
			owner, err = metrics.NewOwner[Entity](s.db, cfg, s.opts...)
			if err != nil {
				return fmt.Errorf("owner %s: %w", def.Name, err)
			}
			s.owners[def.Name] = owner
			s.configs[def.Name] = cfg
			s.order = append(s.order, def.Name)
		} else if s.configs[def.Name] != cfg {
			s.log.Warn().Str("owner", def.Name).Msg("Owner settings changed, restart to apply them")
		}

		for j := range def.Metrics {
			m := &def.Metrics[j]
			opts, err := m.Options()
			if err != nil {
				return fmt.Errorf("owner %s: metric %s: %w", def.Name, m.Name, err)
			}
			owner.Register(m.Name, opts...)
		}
		s.log.Info().
			Str("owner", def.Name).
			Str("store", owner.StoreTable()).
			Int("metrics", owner.Registry().Len()).
			Msg("Owner definitions applied")
	}
	return nil
}

// Owner returns the named owner.
func (s *Set) Owner(name string) (*metrics.Owner[Entity], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[name]
	return o, ok
}

// Runner returns the named owner as a metrics.Runner.
func (s *Set) Runner(name string) (metrics.Runner, bool) {
	o, ok := s.Owner(name)
	if !ok {
		return nil, false
	}
	return o, true
}

// Runners returns every owner in declaration order.
func (s *Set) Runners() []metrics.Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runners := make([]metrics.Runner, len(s.order))
	for i, name := range s.order {
		runners[i] = s.owners[name]
	}
	return runners
}

// Names returns the owner names in declaration order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}
