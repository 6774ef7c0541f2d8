package store

import (
	"context"
	"time"

	log "github.com/InjectiveLabs/suplog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore is the pgx-backed RateStore. The schema is created on
// connect; every write is a single statement with ON CONFLICT handling so
// retried ticks stay idempotent.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

var _ RateStore = &PostgresStore{}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database dsn")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "database ping failed")
	}

	s := &PostgresStore{
		pool:   pool,
		logger: log.WithField("svc", "store"),
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS feeds (
			id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS nodes (
			pkh TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS providers (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS aggregated_rates (
			id UUID PRIMARY KEY,
			feed_id TEXT NOT NULL REFERENCES feeds (id),
			pair TEXT NOT NULL,
			value NUMERIC NOT NULL,
			method TEXT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rate_data_flows (
			id BIGSERIAL PRIMARY KEY,
			rate_id UUID NOT NULL REFERENCES aggregated_rates (id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			price NUMERIC NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			UNIQUE (rate_id, source_ref)
		);
		CREATE TABLE IF NOT EXISTS node_updates (
			id BIGSERIAL PRIMARY KEY,
			rate_id UUID REFERENCES aggregated_rates (id),
			tx_hash TEXT NOT NULL UNIQUE,
			value TEXT NOT NULL,
			chain_time_ms BIGINT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS node_aggregations (
			id BIGSERIAL PRIMARY KEY,
			tx_hash TEXT NOT NULL UNIQUE,
			median TEXT NOT NULL,
			retained INT NOT NULL,
			dropped INT NOT NULL,
			fresh_peers INT NOT NULL,
			chain_time_ms BIGINT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS transactions (
			hash TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			fee BIGINT NOT NULL,
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			submitted_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS operational_errors (
			id BIGSERIAL PRIMARY KEY,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reward_distributions (
			id BIGSERIAL PRIMARY KEY,
			tx_hash TEXT NOT NULL UNIQUE,
			amount TEXT NOT NULL,
			destination TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return errors.Wrap(err, "failed to init database schema")
	}
	return nil
}

func (s *PostgresStore) UpsertFeed(ctx context.Context, id, pair string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feeds (id, pair) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET pair = EXCLUDED.pair`,
		id, pair,
	)
	return errors.Wrap(err, "failed to upsert feed")
}

func (s *PostgresStore) UpsertNode(ctx context.Context, pkh, address string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (pkh, address) VALUES ($1, $2)
		ON CONFLICT (pkh) DO UPDATE SET address = EXCLUDED.address`,
		pkh, address,
	)
	return errors.Wrap(err, "failed to upsert node")
}

func (s *PostgresStore) UpsertProvider(ctx context.Context, name, kind string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO providers (name, kind) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET kind = EXCLUDED.kind`,
		name, kind,
	)
	return errors.Wrap(err, "failed to upsert provider")
}

func (s *PostgresStore) InsertAggregatedRate(ctx context.Context, row AggregatedRate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO aggregated_rates (id, feed_id, pair, value, method, requested_at, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		row.ID.String(), row.FeedID, row.Pair, row.Value.String(), row.Method, row.RequestedAt, row.ComputedAt,
	)
	return errors.Wrap(err, "failed to insert aggregated rate")
}

func (s *PostgresStore) InsertRateDataFlows(ctx context.Context, rows []RateDataFlow) error {
	for _, row := range rows {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO rate_data_flows (rate_id, provider, source_ref, price, fetched_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (rate_id, source_ref) DO NOTHING`,
			row.RateID.String(), row.Provider, row.SourceRef, row.Price.String(), row.FetchedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to insert rate data flow")
		}
	}
	return nil
}

func (s *PostgresStore) InsertNodeUpdate(ctx context.Context, row NodeUpdate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_updates (rate_id, tx_hash, value, chain_time_ms, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash) DO NOTHING`,
		row.RateID.String(), row.TxHash, row.Value, row.ChainTimeMs, row.SubmittedAt,
	)
	return errors.Wrap(err, "failed to insert node update")
}

func (s *PostgresStore) InsertNodeAggregation(ctx context.Context, row NodeAggregation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_aggregations (tx_hash, median, retained, dropped, fresh_peers, chain_time_ms, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash) DO NOTHING`,
		row.TxHash, row.Median, row.Retained, row.Dropped, row.FreshPeers, row.ChainTimeMs, row.SubmittedAt,
	)
	return errors.Wrap(err, "failed to insert node aggregation")
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, row Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (hash, kind, fee, submitted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING`,
		row.Hash, row.Kind, row.Fee, row.SubmittedAt,
	)
	return errors.Wrap(err, "failed to insert transaction")
}

func (s *PostgresStore) MarkTransactionConfirmed(ctx context.Context, hash string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE transactions SET confirmed = TRUE, confirmed_at = $2 WHERE hash = $1`,
		hash, at,
	)
	return errors.Wrap(err, "failed to mark transaction confirmed")
}

func (s *PostgresStore) RecentTransactions(ctx context.Context, limit int) ([]TransactionStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hash, kind, fee, submitted_at, confirmed_at
		FROM transactions
		ORDER BY submitted_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent transactions")
	}
	defer rows.Close()

	var out []TransactionStatus
	for rows.Next() {
		var row TransactionStatus
		if err := rows.Scan(&row.Hash, &row.Kind, &row.Fee, &row.SubmittedAt, &row.ConfirmedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan transaction row")
		}
		out = append(out, row)
	}
	return out, errors.Wrap(rows.Err(), "failed to read transaction rows")
}

func (s *PostgresStore) InsertOperationalError(ctx context.Context, row OperationalError) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operational_errors (category, message, occurred_at)
		VALUES ($1, $2, $3)`,
		row.Category, row.Message, row.OccurredAt,
	)
	return errors.Wrap(err, "failed to insert operational error")
}

func (s *PostgresStore) InsertRewardDistribution(ctx context.Context, row RewardDistribution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reward_distributions (tx_hash, amount, destination, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tx_hash) DO NOTHING`,
		row.TxHash, row.Amount, row.Destination, row.OccurredAt,
	)
	return errors.Wrap(err, "failed to insert reward distribution")
}

func (s *PostgresStore) CleanupStaleRates(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM aggregated_rates
		WHERE computed_at < now() - make_interval(secs => $1)
		AND id NOT IN (SELECT rate_id FROM node_updates WHERE rate_id IS NOT NULL)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up stale rates")
	}

	deleted := tag.RowsAffected()
	if deleted > 0 {
		s.logger.WithField("rows", deleted).Infoln("cleaned up stale aggregated rates")
	}
	return deleted, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
