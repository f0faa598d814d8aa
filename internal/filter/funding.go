package filter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"macd-grid-bot-go/internal/exchange"

	"go.uber.org/zap"
)

const FundingFilterName = "funding"

// FundingFilter refuses new long entries while the funding rate is so high that
// holding a long costs more than the grid step is likely to earn.
type FundingFilter struct {
	market  exchange.MarketData
	maxRate float64
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	state FilterState
}

// NewFundingFilter reads param "max_rate" (default 0.0005, i.e. 0.05% per interval).
func NewFundingFilter(market exchange.MarketData, params map[string]float64, logger *zap.Logger) *FundingFilter {
	return &FundingFilter{
		market:  market,
		maxRate: param(params, "max_rate", 0.0005),
		logger:  logger.Named("funding_filter"),
		now:     time.Now,
		state:   FilterState{Name: FundingFilterName, Allowed: true},
	}
}

func (f *FundingFilter) Name() string { return FundingFilterName }

func (f *FundingFilter) ShouldAllowTrade(ctx context.Context) bool {
	rate, err := f.market.GetFundingRate(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.logger.Warn("资金费率过滤器无法评估", zap.Error(err))
		return f.state.Allowed
	}
	f.state.Values = map[string]float64{"funding_rate": rate, "max_rate": f.maxRate}
	f.state.UpdatedAt = f.now()
	f.state.Allowed = rate <= f.maxRate
	f.state.Reason = ""
	if !f.state.Allowed {
		f.state.Reason = fmt.Sprintf("funding rate %.5f above %.5f", rate, f.maxRate)
	}
	return f.state.Allowed
}

func (f *FundingFilter) GetState() FilterState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
