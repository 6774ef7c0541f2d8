package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Defaults for the tracked conditions. All of them are operator-overridable
// through the Alerts config section.
const (
	DefaultCooldown = 30 * time.Minute

	defaultMinNodeLovelace    = 50_000_000 // 50 ADA
	defaultMinFeeTokenUnits   = 50
	defaultTimeoutVariancePct = 105
	defaultMinSources         = 3

	// deferGrace extends the own-update liveness window past the next
	// expected aggregation when the node is intentionally holding back
	// its update to land both in one transaction.
	deferGrace = 2 * time.Minute
)

// Config tunes the supervisor conditions. Zero values select the defaults
// above, except MinRequirement which the config layer defaults to true.
type Config struct {
	// NodeAddress identifies this node in every outgoing alert.
	NodeAddress string

	Cooldown time.Duration

	// MinNodeLovelace is the fee wallet balance floor, in lovelace.
	MinNodeLovelace int64

	// MinFeeTokenUnits is the reward pot floor at the oracle address.
	MinFeeTokenUnits int64

	// TimeoutVariancePct stretches liveness windows: 105 means an alert
	// fires once 105% of the expected interval has passed.
	TimeoutVariancePct int64

	// MinSources is the per-side active source floor. MinRequirement
	// switches the check off entirely when false.
	MinSources     int
	MinRequirement bool
}

// Supervisor tracks node health conditions and pushes notifications through
// the configured transports. The cooldown map is the only mutable state the
// supervisor carries across ticks.
type Supervisor struct {
	cfg        Config
	transports []Transport

	logger  log.Logger
	svcTags metrics.Tags

	mux      sync.Mutex
	lastFire map[Category]time.Time
}

func NewSupervisor(cfg Config, transports []Transport) *Supervisor {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MinNodeLovelace == 0 {
		cfg.MinNodeLovelace = defaultMinNodeLovelace
	}
	if cfg.MinFeeTokenUnits == 0 {
		cfg.MinFeeTokenUnits = defaultMinFeeTokenUnits
	}
	if cfg.TimeoutVariancePct == 0 {
		cfg.TimeoutVariancePct = defaultTimeoutVariancePct
	}
	if cfg.MinSources == 0 {
		cfg.MinSources = defaultMinSources
	}

	return &Supervisor{
		cfg:        cfg,
		transports: transports,
		logger: log.WithFields(log.Fields{
			"svc": "alerts",
		}),
		svcTags: metrics.Tags{
			"svc": "alert_supervisor",
		},
		lastFire: make(map[Category]time.Time),
	}
}

// Notify fires an alert unless the same category fired within the cooldown
// window.
func (s *Supervisor) Notify(ctx context.Context, category Category, text string) {
	if !s.shouldFire(category) {
		return
	}
	s.dispatch(ctx, category, text)
}

// NotifyOnce fires at most once per category for the lifetime of the process.
func (s *Supervisor) NotifyOnce(ctx context.Context, category Category, text string) {
	s.mux.Lock()
	if _, fired := s.lastFire[category]; fired {
		s.mux.Unlock()
		return
	}
	s.lastFire[category] = time.Now()
	s.mux.Unlock()

	s.dispatch(ctx, category, text)
}

// NotifyRewardOutcome reports a reward-collection attempt. Success and
// failure are both always delivered, exempt from the cooldown.
func (s *Supervisor) NotifyRewardOutcome(ctx context.Context, text string) {
	s.dispatch(ctx, CategoryRewardCollection, text)
}

// CheckNodeBalance fires when the fee wallet holds less spendable ADA than
// the configured floor.
func (s *Supervisor) CheckNodeBalance(ctx context.Context, lovelace uint64) {
	if lovelace >= uint64(s.cfg.MinNodeLovelace) {
		return
	}
	s.Notify(ctx, CategoryLowNodeBalance, fmt.Sprintf(
		"node wallet holds %s ADA, below the %s ADA floor",
		lovelaceToADA(lovelace), lovelaceToADA(uint64(s.cfg.MinNodeLovelace)),
	))
}

// CheckFeeTokenBalance fires when the reward pot at the oracle address runs
// low on fee tokens.
func (s *Supervisor) CheckFeeTokenBalance(ctx context.Context, units uint64) {
	if units >= uint64(s.cfg.MinFeeTokenUnits) {
		return
	}
	s.Notify(ctx, CategoryLowFeeTokenBalance, fmt.Sprintf(
		"oracle reward pot holds %d fee tokens, below the %d floor",
		units, s.cfg.MinFeeTokenUnits,
	))
}

// CheckAggregateLiveness fires when the shared feed has gone without an
// aggregation for longer than the variance-adjusted aggregate window.
func (s *Supervisor) CheckAggregateLiveness(ctx context.Context, nowMs, lastAggMs, aggregateTimeMs int64) {
	deadline := lastAggMs + aggregateTimeMs*s.cfg.TimeoutVariancePct/100
	if nowMs <= deadline {
		return
	}
	s.Notify(ctx, CategoryAggregateLiveness, fmt.Sprintf(
		"no aggregation for %s, expected one every %s",
		msDuration(nowMs-lastAggMs), msDuration(aggregateTimeMs),
	))
}

// CheckNodeUpdateLiveness fires when this node's own published feed is
// overdue. A node deliberately deferring its update to land with the next
// aggregation gets its window stretched to that aggregation plus a grace.
func (s *Supervisor) CheckNodeUpdateLiveness(ctx context.Context, nowMs, lastUpdateMs, updatedNodeTimeMs int64, deferring bool, nextAggMs int64) {
	deadline := lastUpdateMs + updatedNodeTimeMs*s.cfg.TimeoutVariancePct/100
	if deferring {
		if extended := nextAggMs + deferGrace.Milliseconds(); extended > deadline {
			deadline = extended
		}
	}
	if nowMs <= deadline {
		return
	}
	s.Notify(ctx, CategoryNodeUpdateLiveness, fmt.Sprintf(
		"own feed not updated for %s, expected an update every %s",
		msDuration(nowMs-lastUpdateMs), msDuration(updatedNodeTimeMs),
	))
}

// CheckSourceCount fires when one side of the pair has fewer active sources
// than the configured minimum.
func (s *Supervisor) CheckSourceCount(ctx context.Context, pairType string, active int) {
	if !s.cfg.MinRequirement || active >= s.cfg.MinSources {
		return
	}
	s.Notify(ctx, CategoryLowSourceCount, fmt.Sprintf(
		"only %d active %s sources, want at least %d",
		active, pairType, s.cfg.MinSources,
	))
}

func (s *Supervisor) shouldFire(category Category) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	now := time.Now()
	if last, fired := s.lastFire[category]; fired && now.Sub(last) < s.cfg.Cooldown {
		s.logger.WithFields(log.Fields{
			"category":   string(category),
			"last_fired": last.Format(time.RFC3339),
		}).Infoln("duplicate alert suppressed by cooldown")
		return false
	}
	s.lastFire[category] = now
	return true
}

// dispatch pushes one alert to every transport in parallel. A failing
// transport is logged and skipped, the others still receive the alert.
func (s *Supervisor) dispatch(ctx context.Context, category Category, text string) {
	metrics.ReportFuncCall(s.svcTags)

	alert := Alert{
		Category: category,
		Text:     text,
		Node:     s.cfg.NodeAddress,
		FiredAt:  time.Now(),
	}
	s.logger.WithField("category", string(category)).Warningln(text)

	var g errgroup.Group
	for _, transport := range s.transports {
		transport := transport
		g.Go(func() error {
			if err := transport.Send(ctx, alert); err != nil {
				metrics.ReportFuncError(s.svcTags)
				s.logger.WithError(err).WithField(
					"transport", transport.Name(),
				).Warningln("alert transport failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func lovelaceToADA(lovelace uint64) string {
	return decimal.New(int64(lovelace), -6).String()
}

func msDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}
