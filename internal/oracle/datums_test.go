package oracle

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"
)

func TestNodeDatumFeedOption(t *testing.T) {
	pkh := []byte{0xde, 0xad, 0xbe, 0xef}

	withFeed := &NodeDatum{
		OperatorPKH: pkh,
		Feed:        &NodeFeedValue{Value: sdkmath.NewInt(500_000), TimestampMs: 1_700_000_000_000},
	}
	raw, err := EncodeDatum(withFeed.ToConstructor())
	require.NoError(t, err)

	parsed, err := ParseNodeDatum(raw)
	require.NoError(t, err)
	require.Equal(t, pkh, parsed.OperatorPKH)
	require.NotNil(t, parsed.Feed)
	require.EqualValues(t, 500_000, parsed.Feed.Value.Int64())
	require.EqualValues(t, 1_700_000_000_000, parsed.Feed.TimestampMs)

	// a freshly registered node carries the empty alternative
	registered := &NodeDatum{OperatorPKH: pkh}
	raw, err = EncodeDatum(registered.ToConstructor())
	require.NoError(t, err)

	parsed, err = ParseNodeDatum(raw)
	require.NoError(t, err)
	require.Equal(t, pkh, parsed.OperatorPKH)
	require.Nil(t, parsed.Feed)
}

func TestOracleSettingsRoundTrip(t *testing.T) {
	settings := &OracleSettings{
		NodePKHs:              [][]byte{{0x01, 0x02}, {0x03, 0x04}},
		UpdatedNodesThreshold: 6700,
		UpdatedNodeTimeMs:     120_000,
		AggregateTimeMs:       3_600_000,
		AggregateChangeBps:    100,
		NodeFeePrice:          sdkmath.NewInt(500_000),
		IQRMultiplier:         2,
		DivergenceBps:         500,
	}

	raw, err := EncodeDatum(settings.ToConstructor())
	require.NoError(t, err)

	parsed, err := ParseOracleSettings(raw)
	require.NoError(t, err)
	require.Equal(t, settings.NodePKHs, parsed.NodePKHs)
	require.Equal(t, settings.UpdatedNodesThreshold, parsed.UpdatedNodesThreshold)
	require.Equal(t, settings.UpdatedNodeTimeMs, parsed.UpdatedNodeTimeMs)
	require.Equal(t, settings.AggregateTimeMs, parsed.AggregateTimeMs)
	require.Equal(t, settings.AggregateChangeBps, parsed.AggregateChangeBps)
	require.True(t, parsed.NodeFeePrice.Equal(settings.NodeFeePrice))
	require.Equal(t, settings.IQRMultiplier, parsed.IQRMultiplier)
	require.Equal(t, settings.DivergenceBps, parsed.DivergenceBps)
}

func TestOracleSettingsRejectsIQRMultiplierOutOfRange(t *testing.T) {
	settings := &OracleSettings{
		NodePKHs:              [][]byte{{0x01}},
		UpdatedNodesThreshold: 6700,
		UpdatedNodeTimeMs:     120_000,
		AggregateTimeMs:       3_600_000,
		AggregateChangeBps:    100,
		NodeFeePrice:          sdkmath.NewInt(500_000),
		IQRMultiplier:         5,
		DivergenceBps:         500,
	}

	raw, err := EncodeDatum(settings.ToConstructor())
	require.NoError(t, err)

	_, err = ParseOracleSettings(raw)
	require.Error(t, err)
	require.Contains(t, err.Error(), "iqr multiplier out of range")
}

func TestOracleFeedRoundTrip(t *testing.T) {
	// past the int64 boundary the value still travels as an unsigned word
	feed := &OracleFeed{
		Value:       sdkmath.NewIntFromUint64(1 << 63),
		TimestampMs: 1_700_000_000_000,
		ExpiryMs:    1_700_000_600_000,
	}

	raw, err := EncodeDatum(feed.ToConstructor())
	require.NoError(t, err)

	parsed, err := ParseOracleFeed(raw)
	require.NoError(t, err)
	require.True(t, parsed.Value.Equal(feed.Value))
	require.Equal(t, feed.TimestampMs, parsed.TimestampMs)
	require.Equal(t, feed.ExpiryMs, parsed.ExpiryMs)
}

func TestParseOracleFeedRejectsGarbage(t *testing.T) {
	_, err := ParseOracleFeed(nil)
	require.Error(t, err)

	// a NodeDatum constructor has the wrong field count for a feed
	datum := &NodeDatum{OperatorPKH: []byte{0x01}}
	raw, err := EncodeDatum(datum.ToConstructor())
	require.NoError(t, err)

	_, err = ParseOracleFeed(raw)
	require.Error(t, err)
}

func TestRewardStateLedger(t *testing.T) {
	state := &RewardState{}

	require.True(t, state.UnclaimedFor([]byte{0x01}).IsZero())

	state.Credit([]byte{0x01}, sdkmath.NewInt(500_000))
	state.Credit([]byte{0x02}, sdkmath.NewInt(250_000))
	state.Credit([]byte{0x01}, sdkmath.NewInt(100_000))

	require.EqualValues(t, 600_000, state.UnclaimedFor([]byte{0x01}).Int64())
	require.EqualValues(t, 250_000, state.UnclaimedFor([]byte{0x02}).Int64())

	require.NoError(t, state.Debit([]byte{0x01}, sdkmath.NewInt(600_000)))
	require.True(t, state.UnclaimedFor([]byte{0x01}).IsZero())

	err := state.Debit([]byte{0x02}, sdkmath.NewInt(300_000))
	require.Error(t, err)
	require.Contains(t, err.Error(), "below requested")

	err = state.Debit([]byte{0x03}, sdkmath.NewInt(1))
	require.Error(t, err)

	raw, err := EncodeDatum(state.ToConstructor())
	require.NoError(t, err)

	parsed, err := ParseRewardState(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 2)
	require.EqualValues(t, 0, parsed.UnclaimedFor([]byte{0x01}).Int64())
	require.EqualValues(t, 250_000, parsed.UnclaimedFor([]byte{0x02}).Int64())
}
