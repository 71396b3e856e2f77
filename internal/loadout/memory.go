package loadout

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MemoryProvider keeps loadouts in process memory.
type MemoryProvider struct {
	mu       sync.RWMutex
	loadouts map[string]*Loadout
	logger   *zap.Logger
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider(logger *zap.Logger) *MemoryProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryProvider{
		loadouts: make(map[string]*Loadout),
		logger:   logger,
	}
}

// Put records a loadout, replacing any previous one for the same authority.
func (p *MemoryProvider) Put(_ context.Context, l *Loadout) error {
	if err := l.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	p.loadouts[Key(l.Authority)] = l.Clone()
	p.mu.Unlock()

	p.logger.Debug("loadout stored", zap.String("player", l.Authority), zap.Int("cards", len(l.Inventory)))
	return nil
}

// Loadout returns a copy of the authority's loadout.
func (p *MemoryProvider) Loadout(_ context.Context, authority string) (*Loadout, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	l, ok := p.loadouts[Key(authority)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, authority)
	}
	return l.Clone(), nil
}
