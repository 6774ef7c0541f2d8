package oracle

import (
	"math/big"

	sdkmath "cosmossdk.io/math"
	"github.com/Salvionied/apollo/serialization/PlutusData"
	"github.com/blinklabs-io/gouroboros/cbor"
	"github.com/pkg/errors"
)

// Plutus constructor alternatives for the protocol's redeemers.
const (
	redeemerAltUpdate    = 0
	redeemerAltAggregate = 1
	redeemerAltCollect   = 2
)

// OracleFeed is the published rate record carried by the OracleFeed UTxO.
type OracleFeed struct {
	Value       sdkmath.Int
	TimestampMs int64
	ExpiryMs    int64
}

// OracleSettings is the protocol configuration carried by the AggState UTxO.
// All nodes read it fresh every cycle, so threshold changes take effect
// without restarts.
type OracleSettings struct {
	// NodePKHs are the payment key hashes authorized to operate nodes.
	NodePKHs [][]byte

	// UpdatedNodesThreshold is the aggregation quorum in basis points of
	// the authorized node count.
	UpdatedNodesThreshold int64

	// UpdatedNodeTimeMs is the freshness window for node feeds.
	UpdatedNodeTimeMs int64

	// AggregateTimeMs is the periodic aggregation interval.
	AggregateTimeMs int64

	// AggregateChangeBps triggers an early aggregate when the fresh rate
	// deviates this much from the published one.
	AggregateChangeBps int64

	// NodeFeePrice is the reward credited per retained feed per aggregate.
	NodeFeePrice sdkmath.Int

	// IQRMultiplier widens the outlier bounds, 0 through 4. Zero selects
	// the 1.5x convention.
	IQRMultiplier int64

	// DivergenceBps caps how far a retained feed may sit from the median.
	DivergenceBps int64
}

// NodeFeedValue is one node's last published observation.
type NodeFeedValue struct {
	Value       sdkmath.Int
	TimestampMs int64
}

// NodeDatum is the per-node record carried by each NodeFeed UTxO. Feed is
// nil for a node that registered but has not published yet.
type NodeDatum struct {
	OperatorPKH []byte
	Feed        *NodeFeedValue
}

// RewardEntry is one operator's unclaimed reward balance.
type RewardEntry struct {
	OperatorPKH []byte
	Amount      sdkmath.Int
}

// RewardState is the ledger of unclaimed rewards carried by the Reward UTxO.
type RewardState struct {
	Entries []RewardEntry
}

// UnclaimedFor returns the unclaimed amount for the given operator key hash.
func (r *RewardState) UnclaimedFor(pkh []byte) sdkmath.Int {
	for _, entry := range r.Entries {
		if bytesEqual(entry.OperatorPKH, pkh) {
			return entry.Amount
		}
	}
	return sdkmath.ZeroInt()
}

// Credit adds amount to the given operator, appending a new entry if needed.
func (r *RewardState) Credit(pkh []byte, amount sdkmath.Int) {
	for i := range r.Entries {
		if bytesEqual(r.Entries[i].OperatorPKH, pkh) {
			r.Entries[i].Amount = r.Entries[i].Amount.Add(amount)
			return
		}
	}
	r.Entries = append(r.Entries, RewardEntry{OperatorPKH: pkh, Amount: amount})
}

// Debit subtracts amount from the given operator. Balances never go negative.
func (r *RewardState) Debit(pkh []byte, amount sdkmath.Int) error {
	for i := range r.Entries {
		if !bytesEqual(r.Entries[i].OperatorPKH, pkh) {
			continue
		}
		if r.Entries[i].Amount.LT(amount) {
			return errors.Errorf("reward balance %s is below requested %s",
				r.Entries[i].Amount.String(), amount.String())
		}
		r.Entries[i].Amount = r.Entries[i].Amount.Sub(amount)
		return nil
	}
	return errors.New("operator has no reward entry")
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---- encoding ----

func (f *OracleFeed) ToConstructor() cbor.Constructor {
	return cbor.NewConstructor(0, cbor.IndefLengthList{
		intField(f.Value),
		f.TimestampMs,
		f.ExpiryMs,
	})
}

func (f *OracleFeed) ToPlutusData() *PlutusData.PlutusData {
	return &PlutusData.PlutusData{Value: f.ToConstructor()}
}

func (s *OracleSettings) ToConstructor() cbor.Constructor {
	pkhs := make(cbor.IndefLengthList, 0, len(s.NodePKHs))
	for _, pkh := range s.NodePKHs {
		pkhs = append(pkhs, pkh)
	}
	return cbor.NewConstructor(0, cbor.IndefLengthList{
		pkhs,
		s.UpdatedNodesThreshold,
		s.UpdatedNodeTimeMs,
		s.AggregateTimeMs,
		s.AggregateChangeBps,
		intField(s.NodeFeePrice),
		s.IQRMultiplier,
		s.DivergenceBps,
	})
}

func (s *OracleSettings) ToPlutusData() *PlutusData.PlutusData {
	return &PlutusData.PlutusData{Value: s.ToConstructor()}
}

func (d *NodeDatum) ToConstructor() cbor.Constructor {
	var feed cbor.Constructor
	if d.Feed != nil {
		feed = cbor.NewConstructor(0, cbor.IndefLengthList{
			intField(d.Feed.Value),
			d.Feed.TimestampMs,
		})
	} else {
		feed = cbor.NewConstructor(1, cbor.IndefLengthList{})
	}
	return cbor.NewConstructor(0, cbor.IndefLengthList{
		d.OperatorPKH,
		feed,
	})
}

func (d *NodeDatum) ToPlutusData() *PlutusData.PlutusData {
	return &PlutusData.PlutusData{Value: d.ToConstructor()}
}

func (r *RewardState) ToConstructor() cbor.Constructor {
	entries := make(cbor.IndefLengthList, 0, len(r.Entries))
	for _, entry := range r.Entries {
		entries = append(entries, cbor.NewConstructor(0, cbor.IndefLengthList{
			entry.OperatorPKH,
			intField(entry.Amount),
		}))
	}
	return cbor.NewConstructor(0, cbor.IndefLengthList{entries})
}

func (r *RewardState) ToPlutusData() *PlutusData.PlutusData {
	return &PlutusData.PlutusData{Value: r.ToConstructor()}
}

// EncodeDatum serializes a constructor to the raw CBOR carried inline by an
// output.
func EncodeDatum(constr cbor.Constructor) ([]byte, error) {
	data, err := cbor.Encode(constr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode datum")
	}
	return data, nil
}

func updateRedeemer() PlutusData.PlutusData {
	return PlutusData.PlutusData{
		Value: cbor.NewConstructor(redeemerAltUpdate, cbor.IndefLengthList{}),
	}
}

func aggregateRedeemer() PlutusData.PlutusData {
	return PlutusData.PlutusData{
		Value: cbor.NewConstructor(redeemerAltAggregate, cbor.IndefLengthList{}),
	}
}

func collectRedeemer(amount sdkmath.Int) PlutusData.PlutusData {
	return PlutusData.PlutusData{
		Value: cbor.NewConstructor(redeemerAltCollect, cbor.IndefLengthList{
			intField(amount),
		}),
	}
}

// intField picks the narrowest CBOR representation for an integer datum
// field; values beyond 64 bits encode as bignums, which Plutus accepts.
func intField(v sdkmath.Int) interface{} {
	bi := v.BigInt()
	if bi.IsUint64() {
		return bi.Uint64()
	}
	if bi.IsInt64() {
		return bi.Int64()
	}
	return bi
}

// ---- decoding ----

func ParseOracleFeed(datumCBOR []byte) (*OracleFeed, error) {
	fields, err := decodeConstructorFields(datumCBOR, 3)
	if err != nil {
		return nil, errors.Wrap(err, "oracle feed datum")
	}

	value, err := fieldInt(fields[0])
	if err != nil {
		return nil, errors.Wrap(err, "oracle feed value")
	}
	ts, err := fieldInt64(fields[1])
	if err != nil {
		return nil, errors.Wrap(err, "oracle feed timestamp")
	}
	expiry, err := fieldInt64(fields[2])
	if err != nil {
		return nil, errors.Wrap(err, "oracle feed expiry")
	}

	return &OracleFeed{Value: value, TimestampMs: ts, ExpiryMs: expiry}, nil
}

func ParseOracleSettings(datumCBOR []byte) (*OracleSettings, error) {
	fields, err := decodeConstructorFields(datumCBOR, 8)
	if err != nil {
		return nil, errors.Wrap(err, "oracle settings datum")
	}

	rawPKHs, err := fieldList(fields[0])
	if err != nil {
		return nil, errors.Wrap(err, "settings node pkh list")
	}
	pkhs := make([][]byte, 0, len(rawPKHs))
	for i, raw := range rawPKHs {
		pkh, err := fieldBytes(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "settings node pkh %d", i)
		}
		pkhs = append(pkhs, pkh)
	}

	settings := &OracleSettings{NodePKHs: pkhs}
	if settings.UpdatedNodesThreshold, err = fieldInt64(fields[1]); err != nil {
		return nil, errors.Wrap(err, "settings threshold")
	}
	if settings.UpdatedNodeTimeMs, err = fieldInt64(fields[2]); err != nil {
		return nil, errors.Wrap(err, "settings node time")
	}
	if settings.AggregateTimeMs, err = fieldInt64(fields[3]); err != nil {
		return nil, errors.Wrap(err, "settings aggregate time")
	}
	if settings.AggregateChangeBps, err = fieldInt64(fields[4]); err != nil {
		return nil, errors.Wrap(err, "settings change bps")
	}
	if settings.NodeFeePrice, err = fieldInt(fields[5]); err != nil {
		return nil, errors.Wrap(err, "settings fee price")
	}
	if settings.IQRMultiplier, err = fieldInt64(fields[6]); err != nil {
		return nil, errors.Wrap(err, "settings iqr multiplier")
	}
	if settings.DivergenceBps, err = fieldInt64(fields[7]); err != nil {
		return nil, errors.Wrap(err, "settings divergence bps")
	}

	if settings.IQRMultiplier < 0 || settings.IQRMultiplier > 4 {
		return nil, errors.Errorf("settings iqr multiplier out of range: %d", settings.IQRMultiplier)
	}

	return settings, nil
}

func ParseNodeDatum(datumCBOR []byte) (*NodeDatum, error) {
	fields, err := decodeConstructorFields(datumCBOR, 2)
	if err != nil {
		return nil, errors.Wrap(err, "node datum")
	}

	pkh, err := fieldBytes(fields[0])
	if err != nil {
		return nil, errors.Wrap(err, "node operator pkh")
	}

	maybeFeed, err := fieldConstructor(fields[1])
	if err != nil {
		return nil, errors.Wrap(err, "node feed option")
	}

	datum := &NodeDatum{OperatorPKH: pkh}
	switch maybeFeed.Constructor() {
	case 1:
		// no observation yet
	case 0:
		feedFields := maybeFeed.Fields()
		if len(feedFields) != 2 {
			return nil, errors.Errorf("node feed has %d fields, want 2", len(feedFields))
		}
		value, err := fieldInt(feedFields[0])
		if err != nil {
			return nil, errors.Wrap(err, "node feed value")
		}
		ts, err := fieldInt64(feedFields[1])
		if err != nil {
			return nil, errors.Wrap(err, "node feed timestamp")
		}
		datum.Feed = &NodeFeedValue{Value: value, TimestampMs: ts}
	default:
		return nil, errors.Errorf("node feed option has alternative %d", maybeFeed.Constructor())
	}

	return datum, nil
}

func ParseRewardState(datumCBOR []byte) (*RewardState, error) {
	fields, err := decodeConstructorFields(datumCBOR, 1)
	if err != nil {
		return nil, errors.Wrap(err, "reward datum")
	}

	rawEntries, err := fieldList(fields[0])
	if err != nil {
		return nil, errors.Wrap(err, "reward entry list")
	}

	state := &RewardState{Entries: make([]RewardEntry, 0, len(rawEntries))}
	for i, raw := range rawEntries {
		entryConstr, err := fieldConstructor(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "reward entry %d", i)
		}
		entryFields := entryConstr.Fields()
		if len(entryFields) != 2 {
			return nil, errors.Errorf("reward entry %d has %d fields, want 2", i, len(entryFields))
		}
		pkh, err := fieldBytes(entryFields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "reward entry %d pkh", i)
		}
		amount, err := fieldInt(entryFields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "reward entry %d amount", i)
		}
		state.Entries = append(state.Entries, RewardEntry{OperatorPKH: pkh, Amount: amount})
	}

	return state, nil
}

// ---- datum field helpers ----

func decodeConstructorFields(datumCBOR []byte, want int) ([]interface{}, error) {
	if len(datumCBOR) == 0 {
		return nil, errors.New("empty datum")
	}
	var constr cbor.Constructor
	if _, err := cbor.Decode(datumCBOR, &constr); err != nil {
		return nil, errors.Wrap(err, "failed to decode constructor")
	}
	fields := constr.Fields()
	if len(fields) != want {
		return nil, errors.Errorf("constructor has %d fields, want %d", len(fields), want)
	}
	return fields, nil
}

func fieldBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case cbor.ByteString:
		return b.Bytes(), nil
	case string:
		return []byte(b), nil
	default:
		return nil, errors.Errorf("expected bytes, got %T", v)
	}
}

func fieldInt(v interface{}) (sdkmath.Int, error) {
	switch n := v.(type) {
	case uint64:
		return sdkmath.NewIntFromUint64(n), nil
	case int64:
		return sdkmath.NewInt(n), nil
	case int:
		return sdkmath.NewInt(int64(n)), nil
	case *big.Int:
		return sdkmath.NewIntFromBigInt(n), nil
	case big.Int:
		return sdkmath.NewIntFromBigInt(&n), nil
	default:
		return sdkmath.Int{}, errors.Errorf("expected integer, got %T", v)
	}
}

func fieldInt64(v interface{}) (int64, error) {
	n, err := fieldInt(v)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, errors.Errorf("integer %s overflows int64", n.String())
	}
	return n.Int64(), nil
}

func fieldList(v interface{}) ([]interface{}, error) {
	switch l := v.(type) {
	case []interface{}:
		return l, nil
	case cbor.IndefLengthList:
		return []interface{}(l), nil
	default:
		return nil, errors.Errorf("expected list, got %T", v)
	}
}

func fieldConstructor(v interface{}) (cbor.Constructor, error) {
	switch c := v.(type) {
	case cbor.Constructor:
		return c, nil
	case *cbor.Constructor:
		return *c, nil
	default:
		return cbor.Constructor{}, errors.Errorf("expected constructor, got %T", v)
	}
}
