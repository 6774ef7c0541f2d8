package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
)

const (
	defaultQueueSize   = 128
	defaultSendTimeout = 10 * time.Second
)

// Report is one per-tick summary pushed to the fleet sync endpoint. Numeric
// rate fields travel as strings so the receiver is free to pick its own
// precision.
type Report struct {
	NodeAddress string `json:"node_address"`
	Network     string `json:"network"`
	Pair        string `json:"pair"`

	Action     string `json:"action"`
	Rate       string `json:"rate,omitempty"`
	Median     string `json:"median,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	FreshPeers int    `json:"fresh_peers"`
	Sources    int    `json:"sources"`

	ChainTimeMs int64     `json:"chain_time_ms"`
	SentAt      time.Time `json:"sent_at"`
}

type Config struct {
	// Endpoint receives the JSON reports. Empty disables reporting
	// entirely; Enqueue becomes a no-op.
	Endpoint string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	QueueSize int
}

// Reporter ships per-tick summaries asynchronously. The queue is append-only
// from the scheduler: when the sender cannot keep up, new reports are
// dropped with a warning rather than slowing the tick down.
type Reporter struct {
	cfg    Config
	client *http.Client
	queue  chan Report
	stopC  chan struct{}

	logger  log.Logger
	svcTags metrics.Tags
}

func NewReporter(cfg Config) *Reporter {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaultQueueSize
	}

	r := &Reporter{
		cfg: cfg,
		client: &http.Client{
			Timeout: defaultSendTimeout,
		},
		queue: make(chan Report, cfg.QueueSize),
		stopC: make(chan struct{}),

		logger: log.WithFields(log.Fields{
			"svc": "analytics",
		}),
		svcTags: metrics.Tags{
			"svc": "analytics_reporter",
		},
	}

	if r.Enabled() {
		go r.sendLoop()
	}
	return r
}

func (r *Reporter) Enabled() bool {
	return r.cfg.Endpoint != ""
}

// Enqueue hands a report to the sender without blocking. Reports are dropped
// when the queue is full or the reporter is disabled.
func (r *Reporter) Enqueue(report Report) {
	if !r.Enabled() {
		return
	}
	if report.SentAt.IsZero() {
		report.SentAt = time.Now()
	}

	select {
	case r.queue <- report:
	default:
		metrics.ReportFuncError(r.svcTags)
		r.logger.WithField("action", report.Action).Warningln("analytics queue full, report dropped")
	}
}

// Close stops the sender. Reports still queued are abandoned; the endpoint
// is a best-effort mirror, never part of node correctness.
func (r *Reporter) Close() {
	close(r.stopC)
}

func (r *Reporter) sendLoop() {
	for {
		select {
		case report := <-r.queue:
			if err := r.send(report); err != nil {
				metrics.ReportFuncError(r.svcTags)
				r.logger.WithError(err).Warningln("failed to deliver analytics report")
			}
		case <-r.stopC:
			return
		}
	}
}

func (r *Reporter) send(report Report) error {
	metrics.ReportFuncCall(r.svcTags)

	payload, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create http.Request")
	}
	request.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(request)
	if err != nil {
		return errors.Wrap(err, "error making http request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("sync endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
