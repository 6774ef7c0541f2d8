package oracle

import (
	"encoding/hex"

	sdkmath "cosmossdk.io/math"
	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/Salvionied/apollo"
	serAddress "github.com/Salvionied/apollo/serialization/Address"
	"github.com/Salvionied/apollo/serialization/PlutusData"
	"github.com/Salvionied/apollo/serialization/Redeemer"
	"github.com/Salvionied/apollo/serialization/UTxO"
	"github.com/blinklabs-io/gouroboros/cbor"
	"github.com/pkg/errors"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
)

const (
	defaultTxTtlSlots = 300

	// Fixed fees for CompleteExact. Execution unit estimation needs a full
	// chain backend, so fees are provisioned like the validator budgets
	// below: generous enough to never bounce, small enough not to matter.
	updateTxFee            = 400_000
	aggregateTxBaseFee     = 600_000
	aggregateTxFeePerInput = 70_000
	collectTxFee           = 450_000
	collateralTxFee        = 200_000

	minUtxoLovelace = 2_000_000
)

var (
	nodeSpendExUnits = Redeemer.ExecutionUnits{
		Mem:   400_000,
		Steps: 200_000_000,
	}
	stateSpendExUnits = Redeemer.ExecutionUnits{
		Mem:   900_000,
		Steps: 450_000_000,
	}
)

// ScriptRef points at a reference input carrying the oracle validator, so
// transactions do not attach the script body.
type ScriptRef struct {
	TxHash string
	Index  int
}

func (r ScriptRef) IsSet() bool {
	return r.TxHash != ""
}

type TxBuilderConfig struct {
	// ScriptAddress is the oracle validator address holding all state
	// UTxOs.
	ScriptAddress string

	ScriptRef ScriptRef
	Tags      NFTTags

	// FeeToken denominates node rewards.
	FeeToken chain.AssetID

	// FeedExpiryMs is added to chain-now to stamp the published rate's
	// expiry.
	FeedExpiryMs int64

	// TTLSlots bounds transaction validity.
	TTLSlots uint64
}

// TxBuilder assembles, balances and signs the three oracle transactions.
// It never talks to the chain: callers pass the state snapshot, wallet
// UTxOs and the current slot in.
type TxBuilder struct {
	cfg           TxBuilderConfig
	wallet        *Wallet
	scriptAddress serAddress.Address

	logger  log.Logger
	svcTags metrics.Tags
}

func NewTxBuilder(cfg TxBuilderConfig, wallet *Wallet) (*TxBuilder, error) {
	if cfg.TTLSlots == 0 {
		cfg.TTLSlots = defaultTxTtlSlots
	}
	scriptAddress, err := serAddress.DecodeAddress(cfg.ScriptAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode oracle address %s", cfg.ScriptAddress)
	}

	return &TxBuilder{
		cfg:           cfg,
		wallet:        wallet,
		scriptAddress: scriptAddress,

		logger: log.WithFields(log.Fields{
			"svc": "tx_builder",
		}),
		svcTags: metrics.Tags{
			"svc": "tx_builder",
		},
	}, nil
}

// BuildUpdate spends the node's own NodeFeed UTxO and re-pays it with the
// fresh observation, preserving the UTxO's token value.
func (b *TxBuilder) BuildUpdate(
	state *OracleState,
	rate sdkmath.Int,
	nowMs int64,
	walletUtxos []chain.UTxO,
	slot uint64,
) ([]byte, error) {
	metrics.ReportFuncCall(b.svcTags)
	doneFn := metrics.ReportFuncTiming(b.svcTags)
	defer doneFn()

	own := state.OwnNode
	if own == nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.New("node is not registered on-chain")
	}

	apollob, err := b.newTxBuilder(walletUtxos, slot)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}

	ownUtxo, err := toApolloUtxo(own.UTxO)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.Wrap(err, "own NodeFeed utxo")
	}
	apollob = apollob.CollectFrom(ownUtxo, Redeemer.Redeemer{
		Tag:     Redeemer.SPEND,
		ExUnits: nodeSpendExUnits,
		Data:    updateRedeemer(),
	})

	datum := &NodeDatum{
		OperatorPKH: own.Datum.OperatorPKH,
		Feed:        &NodeFeedValue{Value: rate, TimestampMs: nowMs},
	}
	units, err := assetUnits(own.UTxO)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}
	apollob = apollob.PayToContract(
		b.scriptAddress,
		datum.ToPlutusData(),
		int(own.UTxO.Coin),
		true,
		units...,
	)

	return b.complete(apollob, updateTxFee)
}

// AggregateParams carries everything BuildAggregate needs for one
// transaction.
type AggregateParams struct {
	State    *OracleState
	Decision *Decision
	NowMs    int64
	Slot     uint64

	WalletUtxos []chain.UTxO

	// RefreshOwnRate replaces the own feed observation when the decision
	// is update-and-aggregate.
	RefreshOwnRate sdkmath.Int
}

// BuildAggregate spends the OracleFeed, AggState and Reward UTxOs together
// with the selected node feeds, publishing the consensus median and
// crediting every retained operator. Outputs mirror the spent state UTxOs
// one to one.
func (b *TxBuilder) BuildAggregate(p AggregateParams) ([]byte, error) {
	metrics.ReportFuncCall(b.svcTags)
	doneFn := metrics.ReportFuncTiming(b.svcTags)
	defer doneFn()

	state := p.State
	decision := p.Decision
	if decision.Consensus == nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.New("aggregate decision carries no consensus result")
	}

	apollob, err := b.newTxBuilder(p.WalletUtxos, p.Slot)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}

	scriptInputs := 0
	collect := func(u chain.UTxO, exUnits Redeemer.ExecutionUnits) error {
		converted, err := toApolloUtxo(u)
		if err != nil {
			return errors.Wrapf(err, "utxo %s", u.Ref())
		}
		apollob = apollob.CollectFrom(converted, Redeemer.Redeemer{
			Tag:     Redeemer.SPEND,
			ExUnits: exUnits,
			Data:    aggregateRedeemer(),
		})
		scriptInputs++
		return nil
	}

	if err := collect(state.FeedUTxO, stateSpendExUnits); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}
	if err := collect(state.SettingsUTxO, stateSpendExUnits); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}
	if err := collect(state.RewardUTxO, stateSpendExUnits); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}
	if err := collect(state.OwnNode.UTxO, nodeSpendExUnits); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}
	for _, peer := range decision.SelectedPeers {
		if err := collect(peer.UTxO, nodeSpendExUnits); err != nil {
			metrics.ReportFuncError(b.svcTags)
			return nil, err
		}
	}

	// OracleFeed carries the new consensus rate.
	newFeed := &OracleFeed{
		Value:       decision.Consensus.Median,
		TimestampMs: p.NowMs,
		ExpiryMs:    p.NowMs + b.cfg.FeedExpiryMs,
	}
	if apollob, err = b.repayContract(apollob, state.FeedUTxO, newFeed.ToPlutusData()); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}

	// AggState is spent to serialize aggregations but its datum is kept.
	if apollob, err = b.repayContract(apollob, state.SettingsUTxO, state.Settings.ToPlutusData()); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}

	// Reward credits every retained operator.
	newReward := &RewardState{Entries: append([]RewardEntry(nil), state.Reward.Entries...)}
	for _, pkh := range decision.RewardedPKHs {
		newReward.Credit(pkh, state.Settings.NodeFeePrice)
	}
	if apollob, err = b.repayContract(apollob, state.RewardUTxO, newReward.ToPlutusData()); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}

	// Own node feed, refreshed when this aggregate also updates.
	ownDatum := state.OwnNode.Datum
	if decision.Action == ActionUpdateAndAggregate {
		ownDatum = &NodeDatum{
			OperatorPKH: state.OwnNode.Datum.OperatorPKH,
			Feed:        &NodeFeedValue{Value: p.RefreshOwnRate, TimestampMs: p.NowMs},
		}
	}
	if apollob, err = b.repayContract(apollob, state.OwnNode.UTxO, ownDatum.ToPlutusData()); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}

	// Peer node feeds pass through untouched.
	for _, peer := range decision.SelectedPeers {
		if apollob, err = b.repayContract(apollob, peer.UTxO, peer.Datum.ToPlutusData()); err != nil {
			metrics.ReportFuncError(b.svcTags)
			return nil, err
		}
	}

	fee := aggregateTxBaseFee + aggregateTxFeePerInput*scriptInputs
	return b.complete(apollob, fee)
}

// BuildCollect withdraws amount of the reward asset to the destination
// address and debits the operator's ledger entry.
func (b *TxBuilder) BuildCollect(
	state *OracleState,
	amount sdkmath.Int,
	destination string,
	walletUtxos []chain.UTxO,
	slot uint64,
) ([]byte, error) {
	metrics.ReportFuncCall(b.svcTags)
	doneFn := metrics.ReportFuncTiming(b.svcTags)
	defer doneFn()

	if !amount.IsPositive() || !amount.IsUint64() {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.Errorf("invalid collect amount: %s", amount.String())
	}
	pot := state.RewardUTxO.AssetAmount(b.cfg.FeeToken)
	if pot < amount.Uint64() {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.Errorf("reward pot holds %d, cannot pay %s", pot, amount.String())
	}

	newReward := &RewardState{Entries: append([]RewardEntry(nil), state.Reward.Entries...)}
	if err := newReward.Debit(b.wallet.PKH, amount); err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}

	destAddress, err := serAddress.DecodeAddress(destination)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.Wrapf(err, "failed to decode reward destination %s", destination)
	}

	apollob, err := b.newTxBuilder(walletUtxos, slot)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}

	rewardUtxo, err := toApolloUtxo(state.RewardUTxO)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.Wrap(err, "reward utxo")
	}
	apollob = apollob.CollectFrom(rewardUtxo, Redeemer.Redeemer{
		Tag:     Redeemer.SPEND,
		ExUnits: stateSpendExUnits,
		Data:    collectRedeemer(amount),
	})

	potUnits, err := assetUnitsLess(state.RewardUTxO, b.cfg.FeeToken, amount.Uint64())
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}
	apollob = apollob.PayToContract(
		b.scriptAddress,
		newReward.ToPlutusData(),
		int(state.RewardUTxO.Coin),
		true,
		potUnits...,
	)

	payoutUnit, err := makeUnit(b.cfg.FeeToken, amount.Uint64())
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}
	apollob = apollob.PayToAddress(destAddress, minUtxoLovelace, payoutUnit)

	return b.complete(apollob, collectTxFee)
}

// BuildCreateCollateral splits a fresh pure-ADA collateral output off the
// wallet, paid back to the wallet's own address.
func (b *TxBuilder) BuildCreateCollateral(walletUtxos []chain.UTxO, slot uint64) ([]byte, error) {
	metrics.ReportFuncCall(b.svcTags)

	apollob, err := b.newTxBuilder(walletUtxos, slot)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, err
	}
	apollob = apollob.PayToAddress(b.wallet.ChangeAddress(), chain.CreateCollateralLovelace)

	return b.complete(apollob, collateralTxFee)
}

func (b *TxBuilder) newTxBuilder(walletUtxos []chain.UTxO, slot uint64) (*apollo.Apollo, error) {
	if len(walletUtxos) == 0 {
		return nil, errors.New("no wallet utxos available for fees")
	}

	loaded := make([]UTxO.UTxO, 0, len(walletUtxos))
	for _, u := range walletUtxos {
		converted, err := toApolloUtxo(u)
		if err != nil {
			return nil, errors.Wrapf(err, "wallet utxo %s", u.Ref())
		}
		loaded = append(loaded, converted)
	}

	cc := apollo.NewEmptyBackend()
	apollob := apollo.New(&cc)
	apollob = apollob.
		AddInputAddress(b.wallet.ChangeAddress()).
		AddLoadedUTxOs(loaded...).
		SetTtl(int64(slot + b.cfg.TTLSlots))

	if b.cfg.ScriptRef.IsSet() {
		apollob = apollob.AddReferenceInput(b.cfg.ScriptRef.TxHash, b.cfg.ScriptRef.Index)
	}

	return apollob, nil
}

func (b *TxBuilder) repayContract(apollob *apollo.Apollo, u chain.UTxO, datum *PlutusData.PlutusData) (*apollo.Apollo, error) {
	units, err := assetUnits(u)
	if err != nil {
		return nil, err
	}
	apollob = apollob.PayToContract(b.scriptAddress, datum, int(u.Coin), true, units...)
	return apollob, nil
}

func (b *TxBuilder) complete(apollob *apollo.Apollo, fee int) ([]byte, error) {
	tx, err := apollob.
		DisableExecutionUnitsEstimation().
		CompleteExact(fee)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.Wrap(err, "failed to complete transaction")
	}

	vkey, skey := b.wallet.Keys()
	tx, err = tx.SignWithSkey(vkey, skey)
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.Wrap(err, "failed to sign transaction")
	}

	txBytes, err := tx.GetTx().Bytes()
	if err != nil {
		metrics.ReportFuncError(b.svcTags)
		return nil, errors.Wrap(err, "failed to serialize transaction")
	}

	b.logger.WithField("txSize", len(txBytes)).Debugln("built transaction")

	return txBytes, nil
}

// toApolloUtxo re-encodes a backend-agnostic UTxO into Apollo's type by way
// of its ledger CBOR form. The inline datum of the spent output never enters
// the transaction, so only the input reference, address and value carry
// over.
func toApolloUtxo(u chain.UTxO) (UTxO.UTxO, error) {
	hashBytes, err := hex.DecodeString(u.TxHash)
	if err != nil || len(hashBytes) != 32 {
		return UTxO.UTxO{}, errors.Errorf("malformed tx hash %q", u.TxHash)
	}
	address, err := serAddress.DecodeAddress(u.Address)
	if err != nil {
		return UTxO.UTxO{}, errors.Wrapf(err, "failed to decode address %s", u.Address)
	}

	var value interface{} = u.Coin
	if len(u.Assets) > 0 {
		multiAsset := make(map[cbor.ByteString]map[cbor.ByteString]uint64)
		for id, qty := range u.Assets {
			policyBytes, err := hex.DecodeString(id.PolicyID)
			if err != nil {
				return UTxO.UTxO{}, errors.Errorf("malformed policy id %q", id.PolicyID)
			}
			nameBytes, err := hex.DecodeString(id.AssetName)
			if err != nil {
				return UTxO.UTxO{}, errors.Errorf("malformed asset name %q", id.AssetName)
			}
			policyKey := cbor.NewByteString(policyBytes)
			if multiAsset[policyKey] == nil {
				multiAsset[policyKey] = make(map[cbor.ByteString]uint64)
			}
			multiAsset[policyKey][cbor.NewByteString(nameBytes)] = qty
		}
		value = []interface{}{u.Coin, multiAsset}
	}

	utxoBytes, err := cbor.Encode([]interface{}{
		[]interface{}{hashBytes, u.Index},
		map[int]interface{}{0: address.Bytes(), 1: value},
	})
	if err != nil {
		return UTxO.UTxO{}, errors.Wrap(err, "failed to encode utxo")
	}

	var converted UTxO.UTxO
	if _, err := cbor.Decode(utxoBytes, &converted); err != nil {
		return UTxO.UTxO{}, errors.Wrap(err, "failed to decode utxo")
	}
	return converted, nil
}

// assetUnits converts a UTxO's native assets into Apollo units. Unit names
// are raw bytes, not hex.
func assetUnits(u chain.UTxO) ([]apollo.Unit, error) {
	units := make([]apollo.Unit, 0, len(u.Assets))
	for id, qty := range u.Assets {
		unit, err := makeUnit(id, qty)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

// assetUnitsLess is assetUnits minus the given amount of one asset, used to
// re-pay the reward pot after a withdrawal.
func assetUnitsLess(u chain.UTxO, less chain.AssetID, amount uint64) ([]apollo.Unit, error) {
	units := make([]apollo.Unit, 0, len(u.Assets))
	for id, qty := range u.Assets {
		if id == less {
			if qty < amount {
				return nil, errors.Errorf("utxo holds %d of %s, cannot deduct %d", qty, id.String(), amount)
			}
			qty -= amount
			if qty == 0 {
				continue
			}
		}
		unit, err := makeUnit(id, qty)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

func makeUnit(id chain.AssetID, qty uint64) (apollo.Unit, error) {
	nameBytes, err := hex.DecodeString(id.AssetName)
	if err != nil {
		return apollo.Unit{}, errors.Errorf("malformed asset name %q", id.AssetName)
	}
	return apollo.NewUnit(id.PolicyID, string(nameBytes), int(qty)), nil
}
