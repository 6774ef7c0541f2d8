package store

import (
	"context"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	null "gopkg.in/guregu/null.v4"
)

// AggregatedRate is one computed market rate with its provenance window.
type AggregatedRate struct {
	ID          uuid.UUID
	FeedID      string
	Pair        string
	Value       decimal.Decimal
	Method      string
	RequestedAt time.Time
	ComputedAt  time.Time
}

// RateDataFlow is one source quote that fed an aggregated rate.
type RateDataFlow struct {
	RateID    uuid.UUID
	Provider  string
	SourceRef string
	Price     decimal.Decimal
	FetchedAt time.Time
}

// NodeUpdate records a published node feed refresh.
type NodeUpdate struct {
	RateID      uuid.UUID
	TxHash      string
	Value       string
	ChainTimeMs int64
	SubmittedAt time.Time
}

// NodeAggregation records a published consensus round.
type NodeAggregation struct {
	TxHash      string
	Median      string
	Retained    int
	Dropped     int
	FreshPeers  int
	ChainTimeMs int64
	SubmittedAt time.Time
}

// Transaction is the submission ledger row for any oracle transaction.
type Transaction struct {
	Hash        string
	Kind        string
	Fee         int64
	SubmittedAt time.Time
}

// TransactionStatus is the read-back view of a submission. ConfirmedAt is
// null while the transaction has not been seen on chain, which after a
// restart usually means the previous process died mid-confirmation.
type TransactionStatus struct {
	Hash        string
	Kind        string
	Fee         int64
	SubmittedAt time.Time
	ConfirmedAt null.Time
}

// OperationalError captures a tick failure for later inspection.
type OperationalError struct {
	Category   string
	Message    string
	OccurredAt time.Time
}

// RewardDistribution records a completed reward withdrawal.
type RewardDistribution struct {
	TxHash      string
	Amount      string
	Destination string
	OccurredAt  time.Time
}

// RateStore persists the node's observable activity. All writes are
// idempotent so a retried tick never duplicates rows.
type RateStore interface {
	UpsertFeed(ctx context.Context, id, pair string) error
	UpsertNode(ctx context.Context, pkh, address string) error
	UpsertProvider(ctx context.Context, name, kind string) error

	InsertAggregatedRate(ctx context.Context, row AggregatedRate) error
	InsertRateDataFlows(ctx context.Context, rows []RateDataFlow) error
	InsertNodeUpdate(ctx context.Context, row NodeUpdate) error
	InsertNodeAggregation(ctx context.Context, row NodeAggregation) error
	InsertTransaction(ctx context.Context, row Transaction) error
	MarkTransactionConfirmed(ctx context.Context, hash string, at time.Time) error
	InsertOperationalError(ctx context.Context, row OperationalError) error
	InsertRewardDistribution(ctx context.Context, row RewardDistribution) error

	// RecentTransactions returns the newest submissions first, up to limit.
	RecentTransactions(ctx context.Context, limit int) ([]TransactionStatus, error)

	// CleanupStaleRates deletes aggregated rates older than the given age
	// that no node update references, cascading their data flow rows.
	CleanupStaleRates(ctx context.Context, olderThan time.Duration) (int64, error)

	Close()
}

// NullStore satisfies RateStore without persisting anything, so the node
// core never branches on whether a database is configured.
type NullStore struct{}

var _ RateStore = NullStore{}

func (NullStore) UpsertFeed(context.Context, string, string) error { return nil }

func (NullStore) UpsertNode(context.Context, string, string) error { return nil }

func (NullStore) UpsertProvider(context.Context, string, string) error { return nil }

func (NullStore) InsertAggregatedRate(context.Context, AggregatedRate) error { return nil }

func (NullStore) InsertRateDataFlows(context.Context, []RateDataFlow) error { return nil }

func (NullStore) InsertNodeUpdate(context.Context, NodeUpdate) error { return nil }

func (NullStore) InsertNodeAggregation(context.Context, NodeAggregation) error { return nil }

func (NullStore) InsertTransaction(context.Context, Transaction) error { return nil }

func (NullStore) MarkTransactionConfirmed(context.Context, string, time.Time) error { return nil }

func (NullStore) InsertOperationalError(context.Context, OperationalError) error { return nil }

func (NullStore) InsertRewardDistribution(context.Context, RewardDistribution) error { return nil }

func (NullStore) RecentTransactions(context.Context, int) ([]TransactionStatus, error) {
	return nil, nil
}

func (NullStore) CleanupStaleRates(context.Context, time.Duration) (int64, error) { return 0, nil }

func (NullStore) Close() {}
