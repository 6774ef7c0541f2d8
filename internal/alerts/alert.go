package alerts

import (
	"context"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Category keys both the operational-error taxonomy and the alert cooldown
// map. Alerts of the same category fired within the cooldown window collapse
// into one notification.
type Category string

const (
	// Error taxonomy, attached to operational-error rows and alerts.
	CategoryTransientSource Category = "transient_source"
	CategoryNoData          Category = "no_data"
	CategoryChainRead       Category = "chain_read"
	CategoryChainSubmit     Category = "chain_submit"
	CategoryConfig          Category = "config"
	CategoryFatal           Category = "fatal"

	// Supervisor conditions.
	CategoryLowNodeBalance     Category = "low_node_balance"
	CategoryLowFeeTokenBalance Category = "low_fee_token_balance"
	CategoryAggregateLiveness  Category = "aggregate_liveness"
	CategoryNodeUpdateLiveness Category = "node_update_liveness"
	CategoryLowSourceCount     Category = "low_source_count"
	CategoryRewardCollection   Category = "reward_collection"
	CategoryUnauthorized       Category = "unauthorized"
	CategoryNoQuorum           Category = "no_quorum"
)

// Alert is one outgoing notification. Node carries the reporting node's
// address so a single chat room can serve a whole fleet.
type Alert struct {
	Category Category
	Text     string
	Node     string
	FiredAt  time.Time
}

// Transport delivers alerts to one destination. Implementations must be safe
// for concurrent use; the supervisor fans out to all transports in parallel.
type Transport interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// NewTransport builds a transport from its config kind and the kind-specific
// options map.
func NewTransport(kind string, options map[string]interface{}) (Transport, error) {
	var transport interface {
		Transport
		validate() error
	}

	switch kind {
	case "webhook":
		transport = &WebhookTransport{}
	case "telegram":
		transport = &TelegramTransport{}
	default:
		return nil, errors.Errorf(`unknown alert transport kind: "%v"`, kind)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           transport,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(options); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s transport options", kind)
	}
	if err := transport.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s transport config", kind)
	}
	return transport, nil
}
