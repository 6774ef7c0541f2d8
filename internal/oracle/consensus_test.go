package oracle

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"
)

func obs(pkh byte, value int64, ref string) FeedObservation {
	return FeedObservation{
		OperatorPKH: []byte{pkh},
		Value:       sdkmath.NewInt(value),
		TimestampMs: 1700000000000,
		Ref:         ref,
	}
}

func retainedValues(result *ConsensusResult) []int64 {
	values := make([]int64, 0, len(result.Retained))
	for _, o := range result.Retained {
		values = append(values, o.Value.Int64())
	}
	return values
}

func droppedValues(result *ConsensusResult) []int64 {
	var values []int64
	for _, o := range result.Dropped {
		values = append(values, o.Value.Int64())
	}
	return values
}

func TestConsensusFiltersOutliers(t *testing.T) {
	observations := []FeedObservation{
		obs(0x01, 100, "tx0#0"),
		obs(0x02, 102, "tx1#0"),
		obs(0x03, 101, "tx2#0"),
		obs(0x04, 99, "tx3#0"),
		obs(0x05, 10000, "tx4#0"),
	}

	result, err := Consensus(observations, 0, 500)
	require.NoError(t, err)

	require.EqualValues(t, 100, result.Median.Int64())
	require.Equal(t, []int64{100, 102, 101, 99}, retainedValues(result))
	require.Equal(t, []int64{10000}, droppedValues(result))
	require.EqualValues(t, 99, result.Lowest.Int64())
	require.EqualValues(t, 102, result.Highest.Int64())

	// utxo refs must ride along so the builder can spend the retained feeds
	require.Equal(t, "tx1#0", result.Retained[1].Ref)
	require.Equal(t, "tx4#0", result.Dropped[0].Ref)
}

func TestConsensusIdempotentOnRetainedSet(t *testing.T) {
	observations := []FeedObservation{
		obs(0x01, 100, "tx0#0"),
		obs(0x02, 102, "tx1#0"),
		obs(0x03, 101, "tx2#0"),
		obs(0x04, 99, "tx3#0"),
		obs(0x05, 10000, "tx4#0"),
	}

	first, err := Consensus(observations, 0, 500)
	require.NoError(t, err)

	second, err := Consensus(first.Retained, 0, 500)
	require.NoError(t, err)

	require.Equal(t, first.Median.Int64(), second.Median.Int64())
	require.Equal(t, retainedValues(first), retainedValues(second))
	require.Empty(t, second.Dropped)
}

func TestConsensusIQRMultiplier(t *testing.T) {
	observations := []FeedObservation{
		obs(0x01, 100, "tx0#0"),
		obs(0x02, 110, "tx1#0"),
		obs(0x03, 120, "tx2#0"),
		obs(0x04, 130, "tx3#0"),
		obs(0x05, 200, "tx4#0"),
	}

	tests := []struct {
		name          string
		iqrMultiplier int64
		median        int64
		dropped       []int64
	}{
		{
			// multiplier zero selects the conventional 1.5x fence
			name:          "default fence drops the tail",
			iqrMultiplier: 0,
			median:        110,
			dropped:       []int64{200},
		},
		{
			name:          "wide fence keeps everything",
			iqrMultiplier: 4,
			median:        120,
			dropped:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Consensus(observations, tt.iqrMultiplier, 10000)
			require.NoError(t, err)
			require.EqualValues(t, tt.median, result.Median.Int64())
			require.Equal(t, tt.dropped, droppedValues(result))
		})
	}
}

func TestConsensusDivergenceCap(t *testing.T) {
	// wide IQR fence, so only the basis-point cap is in play
	observations := []FeedObservation{
		obs(0x01, 100, "tx0#0"),
		obs(0x02, 101, "tx1#0"),
		obs(0x03, 120, "tx2#0"),
	}

	result, err := Consensus(observations, 4, 500)
	require.NoError(t, err)

	require.Equal(t, []int64{120}, droppedValues(result))
	require.EqualValues(t, 100, result.Median.Int64())
}

func TestConsensusSingleObservation(t *testing.T) {
	result, err := Consensus([]FeedObservation{obs(0x01, 42, "tx0#0")}, 0, 500)
	require.NoError(t, err)

	require.EqualValues(t, 42, result.Median.Int64())
	require.Len(t, result.Retained, 1)
	require.Empty(t, result.Dropped)
	require.EqualValues(t, 42, result.Lowest.Int64())
	require.EqualValues(t, 42, result.Highest.Int64())
}

func TestConsensusMedianAlwaysSurvives(t *testing.T) {
	// two observations a factor 1e6 apart: the input median itself can never
	// be an outlier, so the retained set stays non-empty
	observations := []FeedObservation{
		obs(0x01, 1, "tx0#0"),
		obs(0x02, 1000000, "tx1#0"),
	}

	result, err := Consensus(observations, 0, 500)
	require.NoError(t, err)

	require.Equal(t, []int64{1}, retainedValues(result))
	require.Equal(t, []int64{1000000}, droppedValues(result))
	require.EqualValues(t, 1, result.Median.Int64())
}

func TestConsensusRejectsBadInput(t *testing.T) {
	_, err := Consensus(nil, 0, 500)
	require.ErrorIs(t, err, ErrNoObservations)

	observations := []FeedObservation{
		obs(0x01, 100, "tx0#0"),
		{OperatorPKH: []byte{0x02}, Value: sdkmath.NewInt(0), Ref: "tx1#0"},
	}
	_, err = Consensus(observations, 0, 500)
	require.Error(t, err)
	require.Contains(t, err.Error(), "observation 1")
}
