package filter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"macd-grid-bot-go/internal/exchange"
	"macd-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// ErrUnknownFilter is returned for names that were never registered.
var ErrUnknownFilter = errors.New("unknown filter")

// FilterState is the structured status a filter reports.
type FilterState struct {
	Name      string             `json:"name"`
	Enabled   bool               `json:"enabled"`
	Allowed   bool               `json:"allowed"`
	Reason    string             `json:"reason,omitempty"`
	Values    map[string]float64 `json:"values,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Filter gates the creation of new entry orders.
type Filter interface {
	Name() string
	ShouldAllowTrade(ctx context.Context) bool
	GetState() FilterState
}

type entry struct {
	filter  Filter
	enabled bool
}

// Registry holds the filters of one engine. All enabled filters must approve; with no
// enabled filter every trade is approved.
type Registry struct {
	mu      sync.RWMutex
	filters map[string]*entry
	order   []string
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{filters: make(map[string]*entry), logger: logger.Named("filters")}
}

// Register adds a filter. A second filter with the same name replaces the first.
func (r *Registry) Register(f Filter, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.filters[f.Name()]; !exists {
		r.order = append(r.order, f.Name())
	}
	r.filters[f.Name()] = &entry{filter: f, enabled: enabled}
}

// Enable turns a registered filter on.
func (r *Registry) Enable(name string) error { return r.setEnabled(name, true) }

// Disable turns a registered filter off.
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.filters[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}
	e.enabled = enabled
	r.logger.Info("过滤器状态变更", zap.String("filter", name), zap.Bool("enabled", enabled))
	return nil
}

// ShouldAllowTrade asks every enabled filter and returns the names of those that refused.
func (r *Registry) ShouldAllowTrade(ctx context.Context) (bool, []string) {
	r.mu.RLock()
	active := make([]Filter, 0, len(r.order))
	for _, name := range r.order {
		if e := r.filters[name]; e.enabled {
			active = append(active, e.filter)
		}
	}
	r.mu.RUnlock()

	var blocked []string
	for _, f := range active {
		if !f.ShouldAllowTrade(ctx) {
			blocked = append(blocked, f.Name())
		}
	}
	return len(blocked) == 0, blocked
}

// States returns the state of every registered filter, sorted by name.
func (r *Registry) States() []FilterState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]FilterState, 0, len(r.filters))
	for name, e := range r.filters {
		st := e.filter.GetState()
		st.Name = name
		st.Enabled = e.enabled
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// FromConfig builds a registry from the configured filters.
func FromConfig(cfgs []models.FilterConfig, market exchange.MarketData, indicator models.IndicatorConfig, logger *zap.Logger) (*Registry, error) {
	reg := NewRegistry(logger)
	var errs []error
	for _, c := range cfgs {
		switch c.Name {
		case TrendFilterName:
			reg.Register(NewTrendFilter(market, indicator.Timeframe, c.Params, logger), c.Enabled)
		case FundingFilterName:
			reg.Register(NewFundingFilter(market, c.Params, logger), c.Enabled)
		default:
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownFilter, c.Name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return reg, nil
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok && v != 0 {
		return v
	}
	return def
}
