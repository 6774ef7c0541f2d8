package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/alerts"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/analytics"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/rates"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/store"
)

// Service drives the oracle node: a single scheduler goroutine running
// strictly serial ticks against the chain.
type Service interface {
	Start(ctx context.Context) error
	Close()
}

const (
	startupTickDelay    = 5 * time.Second
	defaultTickInterval = 60 * time.Second

	storeCleanupInterval = 1 * time.Hour
	storeRetention       = 24 * time.Hour

	unconfirmedReportLimit = 20

	txKindUpdate     = "update"
	txKindAggregate  = "aggregate"
	txKindCollect    = "collect_rewards"
	txKindCollateral = "create_collateral"
)

// ServiceConfig carries the per-deployment knobs of the scheduler.
type ServiceConfig struct {
	Pair          string
	Network       string
	OracleAddress string

	UpdateInterval      time.Duration
	PrecisionMultiplier int64

	// RewardTrigger enables reward collection when positive; the payout
	// goes to RewardDestination, the wallet address when empty.
	RewardTrigger     sdkmath.Int
	RewardDestination string
}

type oracleSvc struct {
	cfg  ServiceConfig
	tags NFTTags

	cc         chain.ChainContext
	wallet     *Wallet
	txBuilder  *TxBuilder
	aggregator *rates.Aggregator
	supervisor *alerts.Supervisor
	reporter   *analytics.Reporter
	rateStore  store.RateStore

	feedID uuid.UUID

	stopOnce sync.Once
	stopC    chan struct{}

	logger  log.Logger
	svcTags metrics.Tags
}

// NewService wires the scheduler. All dependencies are required; the reward
// destination defaults to the wallet address.
func NewService(
	cfg ServiceConfig,
	cc chain.ChainContext,
	wallet *Wallet,
	txBuilder *TxBuilder,
	aggregator *rates.Aggregator,
	supervisor *alerts.Supervisor,
	reporter *analytics.Reporter,
	rateStore store.RateStore,
) (Service, error) {
	if cfg.Pair == "" {
		return nil, errors.New("pair name must be set")
	}
	if cfg.OracleAddress == "" {
		return nil, errors.New("oracle address must be set")
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultTickInterval
	}
	if cfg.PrecisionMultiplier <= 0 {
		cfg.PrecisionMultiplier = DefaultPrecisionMultiplier
	}
	if cfg.RewardTrigger.IsNil() {
		cfg.RewardTrigger = sdkmath.ZeroInt()
	}
	if cfg.RewardDestination == "" {
		cfg.RewardDestination = wallet.Address
	}

	return &oracleSvc{
		cfg:        cfg,
		tags:       txBuilder.cfg.Tags,
		cc:         cc,
		wallet:     wallet,
		txBuilder:  txBuilder,
		aggregator: aggregator,
		supervisor: supervisor,
		reporter:   reporter,
		rateStore:  rateStore,
		feedID:     rates.FeedID(cfg.OracleAddress, cfg.Pair),
		stopC:      make(chan struct{}),
		logger:     log.WithField("svc", "oracle"),
		svcTags: metrics.Tags{
			"svc": "oracle_node",
		},
	}, nil
}

func (s *oracleSvc) Start(ctx context.Context) (err error) {
	defer s.panicRecover(&err)

	s.registerDimensions(ctx)
	s.reportUnconfirmed(ctx)
	go s.cleanupLoop(ctx)

	s.logger.WithFields(log.Fields{
		"pair":     s.cfg.Pair,
		"network":  s.cfg.Network,
		"interval": s.cfg.UpdateInterval.String(),
	}).Infoln("starting oracle scheduler")

	t := time.NewTimer(startupTickDelay)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infoln("oracle scheduler stopped")
			return nil
		case <-s.stopC:
			s.logger.Infoln("oracle scheduler closed")
			return nil
		case <-t.C:
		}

		s.runTick(ctx)
		t.Reset(s.cfg.UpdateInterval)
	}
}

func (s *oracleSvc) Close() {
	s.stopOnce.Do(func() {
		close(s.stopC)
	})
}

// registerDimensions seeds the idempotent dimension rows the per-tick
// inserts reference.
func (s *oracleSvc) registerDimensions(ctx context.Context) {
	if err := s.rateStore.UpsertFeed(ctx, s.feedID.String(), s.cfg.Pair); err != nil {
		s.logger.WithError(err).Warningln("failed to persist feed row")
	}
	if err := s.rateStore.UpsertNode(ctx, hex.EncodeToString(s.wallet.PKH), s.wallet.Address); err != nil {
		s.logger.WithError(err).Warningln("failed to persist node row")
	}
	for _, src := range s.aggregator.Sources() {
		if err := s.rateStore.UpsertProvider(ctx, src.Name(), string(src.PairType())); err != nil {
			s.logger.WithError(err).Warningln("failed to persist provider row")
		}
	}
}

// reportUnconfirmed flags recent submissions that were never seen
// confirming, which after a restart usually means the previous process
// died while polling for the transaction.
func (s *oracleSvc) reportUnconfirmed(ctx context.Context) {
	txs, err := s.rateStore.RecentTransactions(ctx, unconfirmedReportLimit)
	if err != nil {
		s.logger.WithError(err).Warningln("failed to read back recent transactions")
		return
	}

	for _, tx := range txs {
		if tx.ConfirmedAt.Valid {
			continue
		}
		s.logger.WithFields(log.Fields{
			"tx_hash":      tx.Hash,
			"kind":         tx.Kind,
			"submitted_at": tx.SubmittedAt.Format(time.RFC3339),
		}).Warningln("transaction from a previous run was never confirmed")
	}
}

func (s *oracleSvc) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(storeCleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopC:
			return
		case <-t.C:
			deleted, err := s.rateStore.CleanupStaleRates(ctx, storeRetention)
			if err != nil {
				s.logger.WithError(err).Warningln("failed to clean up stale rates")
				continue
			} else if deleted > 0 {
				s.logger.WithField("rows", deleted).Debugln("cleaned up stale rates")
			}
		}
	}
}

// tickError carries the failure category of a soft tick abort.
type tickError struct {
	category alerts.Category
	err      error
}

func (e *tickError) Error() string {
	return fmt.Sprintf("%s: %v", e.category, e.err)
}

func (e *tickError) Unwrap() error {
	return e.err
}

func tickErr(category alerts.Category, err error) error {
	return &tickError{category: category, err: err}
}

// runTick executes one tick, recovering panics and recording every failure
// as a categorized operational error. A failed tick never stops the
// scheduler.
func (s *oracleSvc) runTick(ctx context.Context) {
	var err error

	defer func() {
		if err == nil {
			return
		} else if ctx.Err() != nil {
			s.logger.WithError(err).Debugln("tick aborted by shutdown")
			return
		}

		category := alerts.CategoryFatal
		var terr *tickError
		if errors.As(err, &terr) {
			category = terr.category
		}
		s.recordError(ctx, category, err)
	}()
	defer s.panicRecover(&err)

	err = s.tick(ctx)
}

func (s *oracleSvc) tick(ctx context.Context) error {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	// Chain clock first: every freshness decision in this tick reasons in
	// the chain's own notion of now.
	nowMs, err := s.cc.CurrentPosixChainTimeMs(ctx)
	if err != nil {
		return tickErr(alerts.CategoryChainRead, errors.Wrap(err, "failed to read chain time"))
	}
	slot, err := s.cc.CurrentSlot(ctx)
	if err != nil {
		return tickErr(alerts.CategoryChainRead, errors.Wrap(err, "failed to read chain tip slot"))
	}

	scriptUtxos, err := s.cc.GetUtxos(ctx, s.cfg.OracleAddress)
	if err != nil {
		return tickErr(alerts.CategoryChainRead, errors.Wrap(err, "failed to fetch oracle utxos"))
	}
	state, err := ReadOracleState(scriptUtxos, s.tags, s.wallet.PKH, s.logger)
	if err != nil {
		return tickErr(alerts.CategoryChainRead, err)
	}

	walletUtxos, err := s.cc.GetUtxos(ctx, s.wallet.Address)
	if err != nil {
		return tickErr(alerts.CategoryChainRead, errors.Wrap(err, "failed to fetch wallet utxos"))
	}

	s.supervisor.CheckNodeBalance(ctx, totalLovelace(walletUtxos))
	s.supervisor.CheckFeeTokenBalance(ctx, totalAsset(scriptUtxos, s.txBuilder.cfg.FeeToken))

	// A dry market is not a tick failure: the decision table still runs
	// so periodic aggregation can proceed on peer feeds.
	collected := s.collectRate(ctx)

	newRate := sdkmath.ZeroInt()
	if collected != nil {
		newRate = collected.scaled
	}
	decision, err := Decide(DecisionInput{
		NowMs:         nowMs,
		State:         state,
		OwnPKH:        s.wallet.PKH,
		NewRate:       newRate,
		HasNewRate:    collected != nil,
		RewardTrigger: s.cfg.RewardTrigger,
	})
	if err != nil {
		return tickErr(alerts.CategoryFatal, err)
	}

	switch {
	case decision.Unauthorized:
		s.supervisor.NotifyOnce(ctx, alerts.CategoryUnauthorized,
			"operator key hash is not in the authorized node list, contact the oracle owner to get whitelisted")
	case decision.NotRegistered:
		s.supervisor.Notify(ctx, alerts.CategoryConfig,
			"no NodeFeed utxo carries this operator's key hash, ask the oracle owner to register the node")
	}
	if decision.NoQuorum {
		s.supervisor.Notify(ctx, alerts.CategoryNoQuorum, fmt.Sprintf(
			"aggregation blocked: %d fresh feeds against a quorum of %d",
			decision.FreshPeers, decision.Quorum))
	}

	var txHash string

	hasCollateral := chain.FindCollateral(walletUtxos) != nil
	switch {
	case !hasCollateral && (decision.Action != ActionIdle || decision.CollectRewards):
		// Script spends need a collateral input. Provision one now and
		// let the pending action go out next tick against a fresh utxo
		// view.
		if err := s.provisionCollateral(ctx, walletUtxos, slot); err != nil {
			return err
		}
	case decision.Action != ActionIdle:
		txHash, err = s.executeAction(ctx, state, decision, collected, nowMs, slot, walletUtxos)
		if err != nil {
			return err
		}
	}

	if decision.CollectRewards && hasCollateral {
		s.collectRewards(ctx, decision)
	}

	submitted := txHash != ""

	// Liveness, measured against what this tick left on-chain.
	lastAggMs := state.Feed.TimestampMs
	if submitted && decision.Action != ActionUpdateOnly {
		lastAggMs = nowMs
	}
	s.supervisor.CheckAggregateLiveness(ctx, nowMs, lastAggMs, state.Settings.AggregateTimeMs)

	if state.OwnNode != nil {
		var lastUpdateMs int64
		if state.OwnNode.Datum.Feed != nil {
			lastUpdateMs = state.OwnNode.Datum.Feed.TimestampMs
		}
		if submitted && decision.Action != ActionAggregate {
			lastUpdateMs = nowMs
		}

		deferring := decision.AggregateNeeded && decision.Action == ActionIdle
		nextAggMs := state.Feed.TimestampMs + state.Settings.AggregateTimeMs
		s.supervisor.CheckNodeUpdateLiveness(ctx, nowMs, lastUpdateMs,
			state.Settings.UpdatedNodeTimeMs, deferring, nextAggMs)
	}

	report := analytics.Report{
		NodeAddress: s.wallet.Address,
		Network:     s.cfg.Network,
		Pair:        s.cfg.Pair,
		Action:      decision.Action.String(),
		TxHash:      txHash,
		FreshPeers:  decision.FreshPeers,
		ChainTimeMs: nowMs,
	}
	if collected != nil {
		report.Rate = collected.value.String()
		report.Sources = collected.sources
	}
	if decision.Consensus != nil {
		report.Median = UnscaledRate(decision.Consensus.Median, s.cfg.PrecisionMultiplier).String()
	}
	s.reporter.Enqueue(report)

	s.logger.WithFields(log.Fields{
		"action":      decision.Action.String(),
		"fresh_peers": decision.FreshPeers,
		"tx_hash":     txHash,
	}).Debugln("tick complete")

	return nil
}

type collectedRate struct {
	value   decimal.Decimal
	scaled  sdkmath.Int
	rateID  uuid.UUID
	sources int
}

// collectRate runs one aggregation cycle, persists the outcome and returns
// nil when the cycle produced nothing publishable.
func (s *oracleSvc) collectRate(ctx context.Context) *collectedRate {
	aggRate, prov, err := s.aggregator.GetAggregatedRate(ctx)

	if prov != nil {
		s.supervisor.CheckSourceCount(ctx, string(rates.PairTypeBase),
			activeSources(prov.AllQuotes, rates.PairTypeBase))
		if s.aggregator.QuoteSourceCount() > 0 {
			s.supervisor.CheckSourceCount(ctx, string(rates.PairTypeQuote),
				activeSources(prov.AllQuotes, rates.PairTypeQuote))
		}
	}

	if err != nil {
		s.recordError(ctx, alerts.CategoryNoData, err)
		return nil
	}

	scaled, err := ScaledRate(aggRate.Value, s.cfg.PrecisionMultiplier)
	if err != nil {
		s.recordError(ctx, alerts.CategoryNoData, errors.Wrap(err, "aggregated rate is not publishable"))
		return nil
	}

	out := &collectedRate{
		value:   aggRate.Value,
		scaled:  scaled,
		rateID:  s.persistRate(ctx, aggRate, prov),
		sources: activeSources(prov.AllQuotes, rates.PairTypeBase),
	}

	s.logger.WithFields(log.Fields{
		"value":   out.value.String(),
		"scaled":  out.scaled.String(),
		"sources": out.sources,
	}).Infoln("aggregated a fresh rate")

	return out
}

// persistRate stores the aggregated rate and the full quote provenance
// behind it. The returned id links node updates published this tick back to
// the rate row.
func (s *oracleSvc) persistRate(ctx context.Context, aggRate *rates.AggregatedRate, prov *rates.Provenance) uuid.UUID {
	rateID := uuid.NewV4()

	if err := s.rateStore.InsertAggregatedRate(ctx, store.AggregatedRate{
		ID:          rateID,
		FeedID:      s.feedID.String(),
		Pair:        s.cfg.Pair,
		Value:       aggRate.Value,
		Method:      aggRate.Method,
		RequestedAt: prov.RequestedAt,
		ComputedAt:  prov.ComputedAt,
	}); err != nil {
		s.logger.WithError(err).Warningln("failed to persist aggregated rate")
		return rateID
	}

	flows := make([]store.RateDataFlow, 0, len(prov.AllQuotes))
	for _, quote := range prov.AllQuotes {
		flows = append(flows, store.RateDataFlow{
			RateID:    rateID,
			Provider:  quote.SourceName,
			SourceRef: quote.SourceID,
			Price:     quote.Price,
			FetchedAt: time.UnixMilli(quote.Timestamp),
		})
	}
	if len(flows) > 0 {
		if err := s.rateStore.InsertRateDataFlows(ctx, flows); err != nil {
			s.logger.WithError(err).Warningln("failed to persist rate data flows")
		}
	}

	return rateID
}

// executeAction builds, submits and confirms the primary transaction of the
// tick, then records what got published.
func (s *oracleSvc) executeAction(
	ctx context.Context,
	state *OracleState,
	decision *Decision,
	collected *collectedRate,
	nowMs int64,
	slot uint64,
	walletUtxos []chain.UTxO,
) (string, error) {
	newRate := sdkmath.ZeroInt()
	if collected != nil {
		newRate = collected.scaled
	}

	var (
		txBytes []byte
		kind    string
		fee     int64
		err     error
	)
	switch decision.Action {
	case ActionUpdateOnly:
		txBytes, err = s.txBuilder.BuildUpdate(state, newRate, nowMs, walletUtxos, slot)
		kind, fee = txKindUpdate, updateTxFee
	case ActionAggregate, ActionUpdateAndAggregate:
		txBytes, err = s.txBuilder.BuildAggregate(AggregateParams{
			State:          state,
			Decision:       decision,
			NowMs:          nowMs,
			Slot:           slot,
			WalletUtxos:    walletUtxos,
			RefreshOwnRate: newRate,
		})
		kind = txKindAggregate
		fee = int64(aggregateTxBaseFee + aggregateTxFeePerInput*(4+len(decision.SelectedPeers)))
	default:
		return "", nil
	}
	if err != nil {
		return "", tickErr(alerts.CategoryChainSubmit, errors.Wrapf(err, "failed to build %s transaction", kind))
	}

	txHash, err := s.submitAndConfirm(ctx, txBytes, kind, fee)
	if err != nil {
		return "", tickErr(alerts.CategoryChainSubmit, err)
	}

	if collected != nil && decision.Action != ActionAggregate {
		s.persistNodeUpdate(ctx, collected.rateID, txHash, newRate, nowMs)
	}
	if decision.Consensus != nil {
		s.persistAggregation(ctx, decision, txHash, nowMs)
	}

	return txHash, nil
}

func (s *oracleSvc) provisionCollateral(ctx context.Context, walletUtxos []chain.UTxO, slot uint64) error {
	s.logger.Infoln("wallet has no collateral utxo, provisioning one")

	txBytes, err := s.txBuilder.BuildCreateCollateral(walletUtxos, slot)
	if err != nil {
		return tickErr(alerts.CategoryChainSubmit, errors.Wrap(err, "failed to build collateral transaction"))
	}
	if _, err := s.submitAndConfirm(ctx, txBytes, txKindCollateral, collateralTxFee); err != nil {
		return tickErr(alerts.CategoryChainSubmit, err)
	}

	return nil
}

// submitAndConfirm submits the signed transaction and blocks until it lands
// on-chain or the confirmation budget runs out.
func (s *oracleSvc) submitAndConfirm(ctx context.Context, txBytes []byte, kind string, fee int64) (string, error) {
	txHash, err := s.cc.SubmitTx(ctx, txBytes)
	if err != nil {
		return "", errors.Wrapf(err, "failed to submit %s transaction", kind)
	}

	s.logger.WithFields(log.Fields{
		"kind":    kind,
		"tx_hash": txHash,
	}).Infoln("submitted transaction")

	if err := s.rateStore.InsertTransaction(ctx, store.Transaction{
		Hash:        txHash,
		Kind:        kind,
		Fee:         fee,
		SubmittedAt: time.Now(),
	}); err != nil {
		s.logger.WithError(err).Warningln("failed to persist transaction row")
	}

	if err := s.confirmTx(ctx, txHash); err != nil {
		return "", errors.Wrapf(err, "%s transaction %s did not confirm", kind, txHash)
	}

	if err := s.rateStore.MarkTransactionConfirmed(ctx, txHash, time.Now()); err != nil {
		s.logger.WithError(err).Warningln("failed to mark transaction confirmed")
	}
	s.logger.WithFields(log.Fields{
		"kind":    kind,
		"tx_hash": txHash,
	}).Infoln("transaction confirmed")

	return txHash, nil
}

// confirmTx waits for inclusion. On shutdown the in-flight submission gets
// one extra check on a detached context before being abandoned.
func (s *oracleSvc) confirmTx(ctx context.Context, txHash string) error {
	err := chain.WaitForTx(ctx, s.cc, txHash)
	if err == nil || ctx.Err() == nil {
		return err
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), chain.ConfirmPollInterval(s.cc))
	defer cancel()

	if found, herr := s.cc.HasTx(graceCtx, txHash); herr == nil && found {
		return nil
	}
	return err
}

// collectRewards withdraws the operator's accrued fee tokens in a separate
// transaction once the primary action has settled. Both outcomes are pushed
// to the alert transports.
func (s *oracleSvc) collectRewards(ctx context.Context, decision *Decision) {
	metrics.ReportFuncCall(s.svcTags)

	amount := decision.CollectAmount

	// The primary transaction may have consumed the reward pot this very
	// tick, so the withdrawal spends a re-read state.
	scriptUtxos, err := s.cc.GetUtxos(ctx, s.cfg.OracleAddress)
	if err != nil {
		s.rewardFailed(ctx, amount, errors.Wrap(err, "failed to re-fetch oracle utxos"))
		return
	}
	state, err := ReadOracleState(scriptUtxos, s.tags, s.wallet.PKH, s.logger)
	if err != nil {
		s.rewardFailed(ctx, amount, err)
		return
	}
	walletUtxos, err := s.cc.GetUtxos(ctx, s.wallet.Address)
	if err != nil {
		s.rewardFailed(ctx, amount, errors.Wrap(err, "failed to re-fetch wallet utxos"))
		return
	}
	slot, err := s.cc.CurrentSlot(ctx)
	if err != nil {
		s.rewardFailed(ctx, amount, errors.Wrap(err, "failed to read chain tip slot"))
		return
	}

	txBytes, err := s.txBuilder.BuildCollect(state, amount, s.cfg.RewardDestination, walletUtxos, slot)
	if err != nil {
		s.rewardFailed(ctx, amount, errors.Wrap(err, "failed to build collect transaction"))
		return
	}
	txHash, err := s.submitAndConfirm(ctx, txBytes, txKindCollect, collectTxFee)
	if err != nil {
		s.rewardFailed(ctx, amount, err)
		return
	}

	if err := s.rateStore.InsertRewardDistribution(ctx, store.RewardDistribution{
		TxHash:      txHash,
		Amount:      amount.String(),
		Destination: s.cfg.RewardDestination,
		OccurredAt:  time.Now(),
	}); err != nil {
		s.logger.WithError(err).Warningln("failed to persist reward distribution")
	}

	s.supervisor.NotifyRewardOutcome(ctx, fmt.Sprintf(
		"collected %s fee tokens to %s in tx %s", amount.String(), s.cfg.RewardDestination, txHash))
}

func (s *oracleSvc) rewardFailed(ctx context.Context, amount sdkmath.Int, err error) {
	s.storeOperationalError(ctx, alerts.CategoryChainSubmit, errors.Wrap(err, "reward collection failed"))
	s.supervisor.NotifyRewardOutcome(ctx, fmt.Sprintf(
		"reward collection of %s fee tokens failed: %v", amount.String(), err))
}

func (s *oracleSvc) persistNodeUpdate(ctx context.Context, rateID uuid.UUID, txHash string, value sdkmath.Int, nowMs int64) {
	if err := s.rateStore.InsertNodeUpdate(ctx, store.NodeUpdate{
		RateID:      rateID,
		TxHash:      txHash,
		Value:       value.String(),
		ChainTimeMs: nowMs,
		SubmittedAt: time.Now(),
	}); err != nil {
		s.logger.WithError(err).Warningln("failed to persist node update")
	}
}

func (s *oracleSvc) persistAggregation(ctx context.Context, decision *Decision, txHash string, nowMs int64) {
	cons := decision.Consensus

	if err := s.rateStore.InsertNodeAggregation(ctx, store.NodeAggregation{
		TxHash:      txHash,
		Median:      cons.Median.String(),
		Retained:    len(cons.Retained),
		Dropped:     len(cons.Dropped),
		FreshPeers:  decision.FreshPeers,
		ChainTimeMs: nowMs,
		SubmittedAt: time.Now(),
	}); err != nil {
		s.logger.WithError(err).Warningln("failed to persist aggregation")
	}
}

// storeOperationalError logs and persists one categorized failure.
func (s *oracleSvc) storeOperationalError(ctx context.Context, category alerts.Category, err error) {
	metrics.ReportFuncError(s.svcTags)
	s.logger.WithError(err).WithField("category", string(category)).Errorln("operational error")

	if dbErr := s.rateStore.InsertOperationalError(ctx, store.OperationalError{
		Category:   string(category),
		Message:    err.Error(),
		OccurredAt: time.Now(),
	}); dbErr != nil {
		s.logger.WithError(dbErr).Warningln("failed to persist operational error")
	}
}

// recordError additionally notifies the alert transports, subject to the
// per-category cooldown.
func (s *oracleSvc) recordError(ctx context.Context, category alerts.Category, err error) {
	s.storeOperationalError(ctx, category, err)
	s.supervisor.Notify(ctx, category, err.Error())
}

func (s *oracleSvc) panicRecover(err *error) {
	if r := recover(); r != nil {
		*err = errors.Errorf("%v", r)

		if e, ok := r.(error); ok {
			s.logger.WithError(e).Errorln("service main loop panicked with an error")
			s.logger.Debugln(string(debug.Stack()))
		} else {
			s.logger.Errorln(r)
		}
	}
}

func totalLovelace(utxos []chain.UTxO) uint64 {
	var sum uint64
	for i := range utxos {
		sum += utxos[i].Coin
	}
	return sum
}

func totalAsset(utxos []chain.UTxO, id chain.AssetID) uint64 {
	var sum uint64
	for i := range utxos {
		sum += utxos[i].AssetAmount(id)
	}
	return sum
}

// activeSources counts the distinct upstreams that produced a valid quote
// for the given side.
func activeSources(quotes []rates.PriceQuote, side rates.PairType) int {
	seen := make(map[string]struct{})
	for i := range quotes {
		pt := quotes[i].PairType
		if pt == "" {
			pt = rates.PairTypeBase
		}
		if pt != side || !quotes[i].Valid() {
			continue
		}
		seen[quotes[i].SourceName] = struct{}{}
	}
	return len(seen)
}
