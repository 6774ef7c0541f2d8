package oracle

import (
	sdkmath "cosmossdk.io/math"
	"github.com/pkg/errors"
)

// Action is what the node does this cycle.
type Action int

const (
	// ActionIdle publishes nothing.
	ActionIdle Action = iota

	// ActionUpdateOnly refreshes the node's own feed without aggregating.
	ActionUpdateOnly

	// ActionAggregate recomputes the published rate from fresh feeds.
	ActionAggregate

	// ActionUpdateAndAggregate refreshes the own feed and aggregates in a
	// single transaction, counting the refreshed feed toward quorum.
	ActionUpdateAndAggregate
)

func (a Action) String() string {
	switch a {
	case ActionIdle:
		return "idle"
	case ActionUpdateOnly:
		return "update"
	case ActionAggregate:
		return "aggregate"
	case ActionUpdateAndAggregate:
		return "update+aggregate"
	default:
		return "unknown"
	}
}

// DecisionInput is everything Decide looks at: the chain snapshot, the
// operator identity, chain time, and the freshly collected rate if one is
// available this cycle. NowMs comes from the chain, never from wall clock,
// so all nodes reason about the same timeline.
type DecisionInput struct {
	NowMs   int64
	State   *OracleState
	OwnPKH  []byte
	NewRate sdkmath.Int

	// HasNewRate is false when rate collection failed, which limits the
	// node to actions that do not publish a value.
	HasNewRate bool

	// RewardTrigger enables the collect-rewards side-channel when
	// positive: once the operator's unclaimed balance reaches it, exactly
	// this amount is withdrawn.
	RewardTrigger sdkmath.Int
}

// Decision is the resolved action plus the consensus artifacts the
// transaction builder needs.
type Decision struct {
	Action Action

	FreshPeers int
	Quorum     int

	AggregateNeeded bool
	NoQuorum        bool
	Unauthorized    bool
	NotRegistered   bool

	// Consensus is set for aggregate actions only.
	Consensus *ConsensusResult

	// SelectedPeers are the peer NodeFeed UTxOs whose observations
	// survived filtering; the aggregate transaction spends exactly these.
	SelectedPeers []NodeUTxO

	// RewardedPKHs are the operators credited this aggregate, the own key
	// included when the own observation was retained.
	RewardedPKHs [][]byte

	OwnRetained bool

	// CollectRewards asks for a separate withdrawal transaction after the
	// primary action settles.
	CollectRewards bool
	CollectAmount  sdkmath.Int
}

// Decide resolves the action for one cycle.
//
// Quorum is ceil(threshold * nodeCount / 10000) counted over fresh peer
// feeds, with the node's own about-to-be-published feed counting toward it
// when the own feed is stale. Aggregation is due when the published rate is
// older than the aggregate interval, or when the fresh rate moved more than
// the configured basis points away from it.
func Decide(in DecisionInput) (*Decision, error) {
	state := in.State
	settings := state.Settings

	if !state.IsAuthorized(in.OwnPKH) {
		return &Decision{Action: ActionIdle, Unauthorized: true}, nil
	}
	if state.OwnNode == nil {
		return &Decision{Action: ActionIdle, NotRegistered: true}, nil
	}

	decision := &Decision{
		Quorum: quorum(settings.UpdatedNodesThreshold, len(settings.NodePKHs)),
	}
	defer func() {
		if in.RewardTrigger.IsNil() || !in.RewardTrigger.IsPositive() {
			return
		}
		if state.Reward.UnclaimedFor(in.OwnPKH).GTE(in.RewardTrigger) {
			decision.CollectRewards = true
			decision.CollectAmount = in.RewardTrigger
		}
	}()

	ownFeed := state.OwnNode.Datum.Feed
	ownStale := ownFeed == nil || in.NowMs-ownFeed.TimestampMs >= settings.UpdatedNodeTimeMs

	peerObs := make([]FeedObservation, 0, len(state.Nodes))
	for _, peer := range state.PeerNodes() {
		feed := peer.Datum.Feed
		if feed == nil || feed.TimestampMs+settings.UpdatedNodeTimeMs < in.NowMs {
			continue
		}
		if !feed.Value.IsPositive() {
			continue
		}
		peerObs = append(peerObs, FeedObservation{
			OperatorPKH: peer.Datum.OperatorPKH,
			Value:       feed.Value,
			TimestampMs: feed.TimestampMs,
			Ref:         peer.UTxO.Ref(),
		})
	}
	decision.FreshPeers = len(peerObs)

	decision.AggregateNeeded = aggregateNeeded(in, state.Feed, settings)

	if !decision.AggregateNeeded {
		if !ownStale || !in.HasNewRate {
			decision.Action = ActionIdle
			return decision, nil
		}
		decision.Action = ActionUpdateOnly
		return decision, nil
	}

	switch {
	case !ownStale && decision.FreshPeers >= decision.Quorum:
		decision.Action = ActionAggregate
	case ownStale && in.HasNewRate && decision.FreshPeers+1 >= decision.Quorum:
		decision.Action = ActionUpdateAndAggregate
	case ownStale && in.HasNewRate:
		decision.Action = ActionUpdateOnly
		decision.NoQuorum = true
	default:
		decision.Action = ActionIdle
		decision.NoQuorum = true
	}

	if decision.Action != ActionAggregate && decision.Action != ActionUpdateAndAggregate {
		return decision, nil
	}

	ownValue := in.NewRate
	ownTimestamp := in.NowMs
	if decision.Action == ActionAggregate {
		ownValue = ownFeed.Value
		ownTimestamp = ownFeed.TimestampMs
	}
	ownRef := state.OwnNode.UTxO.Ref()

	observations := append(peerObs, FeedObservation{
		OperatorPKH: in.OwnPKH,
		Value:       ownValue,
		TimestampMs: ownTimestamp,
		Ref:         ownRef,
	})

	consensus, err := Consensus(observations, settings.IQRMultiplier, settings.DivergenceBps)
	if err != nil {
		return nil, errors.Wrap(err, "consensus failed")
	}
	decision.Consensus = consensus

	peersByRef := make(map[string]NodeUTxO, len(state.Nodes))
	for _, peer := range state.PeerNodes() {
		peersByRef[peer.UTxO.Ref()] = peer
	}
	for _, obs := range consensus.Retained {
		if obs.Ref == ownRef {
			decision.OwnRetained = true
			decision.RewardedPKHs = append(decision.RewardedPKHs, obs.OperatorPKH)
			continue
		}
		peer, ok := peersByRef[obs.Ref]
		if !ok {
			return nil, errors.Errorf("retained observation %s matches no peer", obs.Ref)
		}
		decision.SelectedPeers = append(decision.SelectedPeers, peer)
		decision.RewardedPKHs = append(decision.RewardedPKHs, obs.OperatorPKH)
	}

	return decision, nil
}

// quorum rounds up, so a 6700 bps threshold over 4 nodes needs 3 fresh feeds.
func quorum(thresholdBps int64, nodeCount int) int {
	if nodeCount == 0 {
		return 0
	}
	q := (thresholdBps*int64(nodeCount) + 9999) / 10000
	if q < 1 {
		q = 1
	}
	return int(q)
}

func aggregateNeeded(in DecisionInput, feed *OracleFeed, settings *OracleSettings) bool {
	if in.NowMs-feed.TimestampMs >= settings.AggregateTimeMs {
		return true
	}
	if !in.HasNewRate {
		return false
	}
	if !feed.Value.IsPositive() {
		return true
	}
	diff := in.NewRate.Sub(feed.Value).Abs()
	return diff.MulRaw(10000).Quo(feed.Value).GTE(sdkmath.NewInt(settings.AggregateChangeBps))
}
