// Package settlement drives the price tick and the periodic sweep that
// moves every product's positions through their time and price driven
// transitions.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lexportal/bank-engine/internal/ledger"
	"github.com/lexportal/bank-engine/internal/metrics"
	"github.com/lexportal/bank-engine/internal/model"
)

// Sweeper is implemented by each product engine.
type Sweeper interface {
	Name() string
	// Sweep applies due transitions for one user and returns how many
	// positions it settled. Individual failures are joined into err
	// without stopping the rest of the sweep.
	Sweep(ctx context.Context, userID string, now time.Time) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	At       time.Time      `json:"at"`
	Users    int            `json:"users"`
	Settled  map[string]int `json:"settled"`
	Failures int            `json:"failures"`
	Duration time.Duration  `json:"duration"`
}

// Total is the number of positions settled across products.
func (r *Report) Total() int {
	n := 0
	for _, v := range r.Settled {
		n += v
	}
	return n
}

// Scheduler ticks the oracle and sweeps every user.
type Scheduler struct {
	ledger       *ledger.Ledger
	sweepers     []Sweeper
	interval     time.Duration
	maxStaleness time.Duration
	logger       *zap.Logger
}

// New creates a scheduler. A zero maxStaleness disables the freshness check
// except for the never-ticked case.
func New(l *ledger.Ledger, interval, maxStaleness time.Duration, sweepers ...Sweeper) *Scheduler {
	return &Scheduler{
		ledger:       l,
		sweepers:     sweepers,
		interval:     interval,
		maxStaleness: maxStaleness,
		logger:       l.Logger().Named("settlement"),
	}
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("sweepers", len(s.sweepers)),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			report, err := s.Tick(ctx, s.ledger.Now())
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				continue
			case err != nil && report == nil:
				s.logger.Error("sweep aborted", zap.Error(err))
			case err != nil:
				s.logger.Warn("sweep finished with failures",
					zap.Int("settled", report.Total()),
					zap.Int("failures", report.Failures),
					zap.Error(err),
				)
			case report.Total() > 0:
				s.logger.Info("sweep settled positions",
					zap.Int("settled", report.Total()),
					zap.Int("users", report.Users),
				)
			}
		}
	}
}

// Tick advances the oracle, broadcasts the new prices and sweeps.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*Report, error) {
	prices := s.ledger.Feed().Tick(now)
	metrics.OracleTicks.WithLabelValues("ok").Inc()
	s.ledger.Emit(ledger.Event{Type: "prices", Payload: priceStrings(prices)})
	return s.Sweep(ctx, now)
}

// Sweep runs every sweeper for every user with any stored state. It
// refuses to run on stale prices; that error is retryable and leaves all
// positions untouched. Per-position failures are joined into the returned
// error alongside a complete report.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (*Report, error) {
	if err := s.checkFresh(now); err != nil {
		metrics.OracleTicks.WithLabelValues("stale").Inc()
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	users, err := s.ledger.Store().Users(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{At: now, Users: len(users), Settled: make(map[string]int, len(s.sweepers))}
	var errs []error
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		for _, sw := range s.sweepers {
			n, err := sw.Sweep(ctx, user, now)
			report.Settled[sw.Name()] += n
			if err != nil {
				report.Failures++
				errs = append(errs, fmt.Errorf("%s sweep for %s: %w", sw.Name(), user, err))
			}
		}
	}
	report.Duration = time.Since(start)

	if report.Total() > 0 || report.Failures > 0 {
		s.ledger.Emit(ledger.Event{Type: "sweep", Payload: report})
	}
	return report, errors.Join(errs...)
}

func (s *Scheduler) checkFresh(now time.Time) error {
	last := s.ledger.Feed().LastTick()
	if last.IsZero() {
		return fmt.Errorf("no price tick yet: %w", model.ErrStaleOracleData)
	}
	if s.maxStaleness > 0 && now.Sub(last) > s.maxStaleness {
		return fmt.Errorf("last tick %s ago exceeds %s: %w", now.Sub(last), s.maxStaleness, model.ErrStaleOracleData)
	}
	return nil
}

func priceStrings(prices map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(prices))
	for sym, p := range prices {
		out[sym] = p.String()
	}
	return out
}
