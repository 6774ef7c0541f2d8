package oracle

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
)

const decideNowMs = int64(1_700_000_000_000)

func decideSettings() *OracleSettings {
	return &OracleSettings{
		NodePKHs:              [][]byte{{0x01}, {0x02}, {0x03}, {0x04}},
		UpdatedNodesThreshold: 6700,
		UpdatedNodeTimeMs:     120_000,
		AggregateTimeMs:       3_600_000,
		AggregateChangeBps:    100,
		NodeFeePrice:          sdkmath.NewInt(500_000),
		IQRMultiplier:         0,
		DivergenceBps:         500,
	}
}

func nodeEntry(pkh byte, txHash string, feed *NodeFeedValue) NodeUTxO {
	return NodeUTxO{
		UTxO:  chain.UTxO{TxHash: txHash, Index: 0},
		Datum: &NodeDatum{OperatorPKH: []byte{pkh}, Feed: feed},
	}
}

func published(value, tsMs int64) *NodeFeedValue {
	return &NodeFeedValue{Value: sdkmath.NewInt(value), TimestampMs: tsMs}
}

// decideState assembles a snapshot with node 0x01 as the operator. Pass nil
// nodes to model an unregistered operator.
func decideState(feed *OracleFeed, nodes []NodeUTxO) *OracleState {
	state := &OracleState{
		Feed:     feed,
		Settings: decideSettings(),
		Reward:   &RewardState{},
		Nodes:    nodes,
	}
	for i := range state.Nodes {
		if bytesEqual(state.Nodes[i].Datum.OperatorPKH, []byte{0x01}) {
			state.OwnNode = &state.Nodes[i]
			break
		}
	}
	return state
}

func freshFeed(value int64) *OracleFeed {
	return &OracleFeed{
		Value:       sdkmath.NewInt(value),
		TimestampMs: decideNowMs - 60_000,
		ExpiryMs:    decideNowMs + 3_600_000,
	}
}

func agedFeed(value int64) *OracleFeed {
	return &OracleFeed{
		Value:       sdkmath.NewInt(value),
		TimestampMs: decideNowMs - 4_000_000,
		ExpiryMs:    decideNowMs - 400_000,
	}
}

func TestDecideUnauthorized(t *testing.T) {
	state := decideState(freshFeed(500_000), []NodeUTxO{
		nodeEntry(0x01, "tx0", published(500_000, decideNowMs-60_000)),
	})

	decision, err := Decide(DecisionInput{
		NowMs:      decideNowMs,
		State:      state,
		OwnPKH:     []byte{0x09},
		HasNewRate: true,
		NewRate:    sdkmath.NewInt(500_000),
	})
	require.NoError(t, err)

	require.Equal(t, ActionIdle, decision.Action)
	require.True(t, decision.Unauthorized)
	require.False(t, decision.CollectRewards)
}

func TestDecideNotRegistered(t *testing.T) {
	state := decideState(freshFeed(500_000), []NodeUTxO{
		nodeEntry(0x02, "tx0", published(500_000, decideNowMs-60_000)),
	})

	decision, err := Decide(DecisionInput{
		NowMs:      decideNowMs,
		State:      state,
		OwnPKH:     []byte{0x01},
		HasNewRate: true,
		NewRate:    sdkmath.NewInt(500_000),
	})
	require.NoError(t, err)

	require.Equal(t, ActionIdle, decision.Action)
	require.True(t, decision.NotRegistered)
}

func TestQuorumRoundsUp(t *testing.T) {
	tests := []struct {
		thresholdBps int64
		nodeCount    int
		want         int
	}{
		{6700, 4, 3},
		{5000, 4, 2},
		{10000, 3, 3},
		{0, 5, 1},
		{6700, 0, 0},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, quorum(tt.thresholdBps, tt.nodeCount),
			"threshold=%d nodes=%d", tt.thresholdBps, tt.nodeCount)
	}
}

func TestDecideIdleWhenEverythingFresh(t *testing.T) {
	state := decideState(freshFeed(500_000), []NodeUTxO{
		nodeEntry(0x01, "tx0", published(500_000, decideNowMs-60_000)),
		nodeEntry(0x02, "tx1", published(500_050, decideNowMs-60_000)),
	})

	decision, err := Decide(DecisionInput{
		NowMs:      decideNowMs,
		State:      state,
		OwnPKH:     []byte{0x01},
		HasNewRate: true,
		NewRate:    sdkmath.NewInt(500_100),
	})
	require.NoError(t, err)

	require.Equal(t, ActionIdle, decision.Action)
	require.False(t, decision.AggregateNeeded)
	require.False(t, decision.NoQuorum)
	require.Equal(t, 1, decision.FreshPeers)
	require.Equal(t, 3, decision.Quorum)
}

func TestDecideUpdateOnlyWhenOwnFeedStale(t *testing.T) {
	// own feed exactly at the freshness window counts as stale
	nodes := []NodeUTxO{
		nodeEntry(0x01, "tx0", published(500_000, decideNowMs-120_000)),
	}

	state := decideState(freshFeed(500_000), nodes)
	decision, err := Decide(DecisionInput{
		NowMs:      decideNowMs,
		State:      state,
		OwnPKH:     []byte{0x01},
		HasNewRate: true,
		NewRate:    sdkmath.NewInt(500_000),
	})
	require.NoError(t, err)
	require.Equal(t, ActionUpdateOnly, decision.Action)
	require.False(t, decision.NoQuorum)

	// without a collected rate there is nothing to publish
	state = decideState(freshFeed(500_000), nodes)
	decision, err = Decide(DecisionInput{
		NowMs:  decideNowMs,
		State:  state,
		OwnPKH: []byte{0x01},
	})
	require.NoError(t, err)
	require.Equal(t, ActionIdle, decision.Action)
}

func TestDecideAggregateSelectsRetainedPeers(t *testing.T) {
	state := decideState(agedFeed(500_000), []NodeUTxO{
		nodeEntry(0x01, "tx0", published(500_000, decideNowMs-60_000)),
		nodeEntry(0x02, "tx1", published(500_050, decideNowMs-60_000)),
		nodeEntry(0x03, "tx2", published(500_100, decideNowMs-60_000)),
		nodeEntry(0x04, "tx3", published(5_000_000, decideNowMs-60_000)),
	})

	decision, err := Decide(DecisionInput{
		NowMs:      decideNowMs,
		State:      state,
		OwnPKH:     []byte{0x01},
		HasNewRate: true,
		NewRate:    sdkmath.NewInt(500_000),
	})
	require.NoError(t, err)

	require.Equal(t, ActionAggregate, decision.Action)
	require.True(t, decision.AggregateNeeded)
	require.Equal(t, 3, decision.FreshPeers)
	require.Equal(t, 3, decision.Quorum)

	require.NotNil(t, decision.Consensus)
	require.EqualValues(t, 500_050, decision.Consensus.Median.Int64())

	// node 0x04 fell outside the outlier bounds, so its utxo is not spent
	// and its operator earns nothing this round
	require.Len(t, decision.SelectedPeers, 2)
	require.Equal(t, "tx1#0", decision.SelectedPeers[0].UTxO.Ref())
	require.Equal(t, "tx2#0", decision.SelectedPeers[1].UTxO.Ref())
	require.Equal(t, [][]byte{{0x02}, {0x03}, {0x01}}, decision.RewardedPKHs)
	require.True(t, decision.OwnRetained)
}

func TestDecideUpdateAndAggregateCountsOwnFeed(t *testing.T) {
	// the own feed is stale and one registered peer has not published, so
	// quorum of 3 is only reachable with the about-to-be-published value
	state := decideState(agedFeed(500_000), []NodeUTxO{
		nodeEntry(0x01, "tx0", published(500_000, decideNowMs-200_000)),
		nodeEntry(0x02, "tx1", published(500_050, decideNowMs-60_000)),
		nodeEntry(0x03, "tx2", published(500_100, decideNowMs-60_000)),
		nodeEntry(0x04, "tx3", nil),
	})

	decision, err := Decide(DecisionInput{
		NowMs:      decideNowMs,
		State:      state,
		OwnPKH:     []byte{0x01},
		HasNewRate: true,
		NewRate:    sdkmath.NewInt(500_000),
	})
	require.NoError(t, err)

	require.Equal(t, ActionUpdateAndAggregate, decision.Action)
	require.Equal(t, 2, decision.FreshPeers)
	require.EqualValues(t, 500_050, decision.Consensus.Median.Int64())
	require.True(t, decision.OwnRetained)

	// consensus saw the fresh value stamped with chain time, not the stale
	// on-chain observation
	own := decision.Consensus.Retained[len(decision.Consensus.Retained)-1]
	require.Equal(t, []byte{0x01}, own.OperatorPKH)
	require.Equal(t, decideNowMs, own.TimestampMs)
}

func TestDecideNoQuorum(t *testing.T) {
	nodes := []NodeUTxO{
		nodeEntry(0x01, "tx0", published(500_000, decideNowMs-200_000)),
		nodeEntry(0x02, "tx1", published(500_050, decideNowMs-60_000)),
	}

	state := decideState(agedFeed(500_000), nodes)
	decision, err := Decide(DecisionInput{
		NowMs:      decideNowMs,
		State:      state,
		OwnPKH:     []byte{0x01},
		HasNewRate: true,
		NewRate:    sdkmath.NewInt(500_000),
	})
	require.NoError(t, err)

	// publishing alone still makes progress toward the next cycle's quorum
	require.Equal(t, ActionUpdateOnly, decision.Action)
	require.True(t, decision.NoQuorum)

	state = decideState(agedFeed(500_000), nodes)
	decision, err = Decide(DecisionInput{
		NowMs:  decideNowMs,
		State:  state,
		OwnPKH: []byte{0x01},
	})
	require.NoError(t, err)
	require.Equal(t, ActionIdle, decision.Action)
	require.True(t, decision.NoQuorum)
}

func TestDecideEarlyAggregateOnDeviation(t *testing.T) {
	nodes := func() []NodeUTxO {
		return []NodeUTxO{
			nodeEntry(0x01, "tx0", published(500_000, decideNowMs-60_000)),
			nodeEntry(0x02, "tx1", published(500_050, decideNowMs-60_000)),
			nodeEntry(0x03, "tx2", published(500_100, decideNowMs-60_000)),
			nodeEntry(0x04, "tx3", published(500_000, decideNowMs-60_000)),
		}
	}

	tests := []struct {
		name       string
		newRate    int64
		wantAction Action
	}{
		{"below the change threshold", 500_100, ActionIdle},
		{"exactly at the change threshold", 505_000, ActionAggregate},
		{"above the change threshold", 505_100, ActionAggregate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := decideState(freshFeed(500_000), nodes())
			decision, err := Decide(DecisionInput{
				NowMs:      decideNowMs,
				State:      state,
				OwnPKH:     []byte{0x01},
				HasNewRate: true,
				NewRate:    sdkmath.NewInt(tt.newRate),
			})
			require.NoError(t, err)
			require.Equal(t, tt.wantAction, decision.Action)
		})
	}
}

func TestDecideRewardCollection(t *testing.T) {
	trigger := sdkmath.NewInt(500_000)

	state := decideState(freshFeed(500_000), []NodeUTxO{
		nodeEntry(0x01, "tx0", published(500_000, decideNowMs-60_000)),
	})
	state.Reward.Credit([]byte{0x01}, sdkmath.NewInt(600_000))

	decision, err := Decide(DecisionInput{
		NowMs:         decideNowMs,
		State:         state,
		OwnPKH:        []byte{0x01},
		HasNewRate:    true,
		NewRate:       sdkmath.NewInt(500_000),
		RewardTrigger: trigger,
	})
	require.NoError(t, err)

	// the withdrawal piggybacks on an otherwise idle cycle
	require.Equal(t, ActionIdle, decision.Action)
	require.True(t, decision.CollectRewards)
	require.EqualValues(t, 500_000, decision.CollectAmount.Int64())

	state.Reward = &RewardState{}
	state.Reward.Credit([]byte{0x01}, sdkmath.NewInt(400_000))

	decision, err = Decide(DecisionInput{
		NowMs:         decideNowMs,
		State:         state,
		OwnPKH:        []byte{0x01},
		HasNewRate:    true,
		NewRate:       sdkmath.NewInt(500_000),
		RewardTrigger: trigger,
	})
	require.NoError(t, err)
	require.False(t, decision.CollectRewards)
}
