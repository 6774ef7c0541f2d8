package oracle

import (
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/pkg/errors"
)

// FeedObservation is one node's rate as it enters consensus. Ref keeps the
// UTxO reference around so the transaction builder can spend exactly the
// retained feeds.
type FeedObservation struct {
	OperatorPKH []byte
	Value       sdkmath.Int
	TimestampMs int64
	Ref         string
}

// ConsensusResult is the outcome of outlier filtering over a set of fresh
// observations.
type ConsensusResult struct {
	// Median is the consensus rate, the median of the retained set.
	Median sdkmath.Int

	// Retained holds the observations that survived filtering, in input
	// order.
	Retained []FeedObservation

	// Dropped holds the filtered-out observations, in input order.
	Dropped []FeedObservation

	Lowest  sdkmath.Int
	Highest sdkmath.Int
}

var ErrNoObservations = errors.New("no observations for consensus")

// Consensus filters outliers from observations and returns the consensus
// median. Bounds come from the interquartile range of the inputs scaled by
// iqrMultiplier (zero selects the conventional 1.5x), and every retained
// value must additionally sit within divergenceBps basis points of the input
// median. The median observation itself always survives, so the retained set
// is never empty.
func Consensus(observations []FeedObservation, iqrMultiplier, divergenceBps int64) (*ConsensusResult, error) {
	n := len(observations)
	if n == 0 {
		return nil, ErrNoObservations
	}

	for i := range observations {
		if observations[i].Value.IsNil() || !observations[i].Value.IsPositive() {
			return nil, errors.Errorf("observation %d has non-positive value", i)
		}
	}

	if n == 1 {
		only := observations[0]
		return &ConsensusResult{
			Median:   only.Value,
			Retained: []FeedObservation{only},
			Lowest:   only.Value,
			Highest:  only.Value,
		}, nil
	}

	sorted := make([]sdkmath.Int, n)
	for i := range observations {
		sorted[i] = observations[i].Value
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LT(sorted[j]) })

	inputMedian := medianOfSorted(sorted)
	q1 := medianOfSorted(sorted[:n/2])
	q3 := medianOfSorted(sorted[n/2+n%2:])

	iqr := q3.Sub(q1)
	var scale sdkmath.Int
	if iqrMultiplier == 0 {
		scale = iqr.Add(iqr.QuoRaw(2))
	} else {
		scale = iqr.MulRaw(iqrMultiplier)
	}
	lo := q1.Sub(scale)
	hi := q3.Add(scale)

	result := &ConsensusResult{}
	for _, obs := range observations {
		if obs.Value.LT(lo) || obs.Value.GT(hi) || divergedFrom(obs.Value, inputMedian, divergenceBps) {
			result.Dropped = append(result.Dropped, obs)
			continue
		}
		result.Retained = append(result.Retained, obs)
	}

	retainedValues := make([]sdkmath.Int, len(result.Retained))
	for i := range result.Retained {
		retainedValues[i] = result.Retained[i].Value
	}
	sort.Slice(retainedValues, func(i, j int) bool { return retainedValues[i].LT(retainedValues[j]) })

	result.Median = medianOfSorted(retainedValues)
	result.Lowest = retainedValues[0]
	result.Highest = retainedValues[len(retainedValues)-1]

	return result, nil
}

// medianOfSorted returns the lower of the two middle elements for even
// lengths, matching on-chain arithmetic which has no halves.
func medianOfSorted(sorted []sdkmath.Int) sdkmath.Int {
	return sorted[(len(sorted)-1)/2]
}

// divergedFrom checks |value - median| against divergenceBps of the median
// using floor division, again matching the validator's integer arithmetic.
func divergedFrom(value, median sdkmath.Int, divergenceBps int64) bool {
	diff := value.Sub(median).Abs()
	if diff.IsZero() {
		return false
	}
	if !median.IsPositive() {
		return true
	}
	return diff.MulRaw(10000).Quo(median).GT(sdkmath.NewInt(divergenceBps))
}
