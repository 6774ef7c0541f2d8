package chain

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	remoteConfirmPollInterval = 20 * time.Second
	localConfirmPollInterval  = 10 * time.Second
	maxConfirmRetries         = 10
)

var (
	ErrTxNotConfirmed = errors.New("transaction not confirmed in time")
	ErrNoBackend      = errors.New("no chain query backend configured")
)

// AssetID identifies a native asset by minting policy and asset name,
// both hex-encoded.
type AssetID struct {
	PolicyID  string
	AssetName string
}

func (a AssetID) String() string {
	return a.PolicyID + "." + a.AssetName
}

// ParseAssetID parses a "policyid.assetname" unit string. The asset name part
// may be empty for tokens minted with an empty name.
func ParseAssetID(unit string) (AssetID, error) {
	dot := strings.IndexByte(unit, '.')
	if dot <= 0 {
		return AssetID{}, errors.Errorf("malformed asset unit: %q", unit)
	}
	id := AssetID{
		PolicyID:  unit[:dot],
		AssetName: unit[dot+1:],
	}
	if _, err := hex.DecodeString(id.PolicyID); err != nil || len(id.PolicyID) != 56 {
		return AssetID{}, errors.Errorf("malformed policy id in unit: %q", unit)
	}
	if _, err := hex.DecodeString(id.AssetName); err != nil {
		return AssetID{}, errors.Errorf("malformed asset name in unit: %q", unit)
	}
	return id, nil
}

// UTxO is the wire-level view of an unspent output, decoupled from any
// particular query backend. DatumCBOR holds the raw inline datum bytes,
// nil when the output carries none.
type UTxO struct {
	TxHash    string
	Index     int
	Address   string
	Coin      uint64
	Assets    map[AssetID]uint64
	DatumCBOR []byte
}

// Ref returns the canonical "txhash#index" reference of the output.
func (u *UTxO) Ref() string {
	return u.TxHash + "#" + strconv.Itoa(u.Index)
}

func (u *UTxO) AssetAmount(id AssetID) uint64 {
	return u.Assets[id]
}

func (u *UTxO) HasAsset(id AssetID) bool {
	return u.Assets[id] > 0
}

// OnlyLovelace reports whether the output holds no native assets.
func (u *UTxO) OnlyLovelace() bool {
	return len(u.Assets) == 0
}

// ChainContext is the query and submission surface the node needs from a
// chain provider. Implementations must be safe for use from a single
// scheduler goroutine plus concurrent adapter fan-outs.
type ChainContext interface {
	GetUtxos(ctx context.Context, address string) ([]UTxO, error)
	GetUtxosWithUnit(ctx context.Context, address string, unit AssetID) ([]UTxO, error)
	SubmitTx(ctx context.Context, signedTx []byte) (string, error)

	// HasTx reports whether the transaction has been included in the
	// ledger. (false, nil) means not yet.
	HasTx(ctx context.Context, txID string) (bool, error)

	CurrentSlot(ctx context.Context) (uint64, error)
	CurrentPosixChainTimeMs(ctx context.Context) (int64, error)
	NetworkTag(ctx context.Context) (string, error)

	// Local reports whether the provider is a locally attached node,
	// which allows tighter confirmation polling.
	Local() bool

	Close()
}

// Builder carries everything needed to construct a ChainContext. The config
// layer assembles one from the file and environment once at startup; nothing
// past this point reads or mutates the process environment.
type Builder struct {
	// Network is the expected network name, "mainnet" or "preprod".
	Network string

	// OgmiosURL is the WebSocket endpoint of a local Ogmios bridge.
	OgmiosURL string

	// BlockfrostURL and ProjectID select the hosted REST backend.
	BlockfrostURL string
	ProjectID     string

	// MaxCalls caps hosted backend usage, in requests per second.
	MaxCalls int
}

func (b Builder) Build(ctx context.Context) (ChainContext, error) {
	params, ok := Networks[b.Network]
	if !ok {
		return nil, errors.Errorf("unknown network: %s", b.Network)
	}

	switch {
	case b.OgmiosURL != "":
		return DialOgmios(ctx, b.OgmiosURL, params)
	case b.BlockfrostURL != "" || b.ProjectID != "":
		return NewBlockfrost(b.BlockfrostURL, b.ProjectID, b.MaxCalls, params)
	}

	return nil, ErrNoBackend
}

// ConfirmPollInterval returns the confirmation poll cadence for the given
// provider, 20s for remote backends and 10s for a local node.
func ConfirmPollInterval(cc ChainContext) time.Duration {
	if cc.Local() {
		return localConfirmPollInterval
	}
	return remoteConfirmPollInterval
}

// WaitForTx polls the provider until the transaction confirms, the retry
// budget runs out, or the context is cancelled. Remote providers are polled
// every 20s, local ones every 10s, for at most 10 attempts.
func WaitForTx(ctx context.Context, cc ChainContext, txID string) error {
	return waitForTx(ctx, cc, txID, ConfirmPollInterval(cc), maxConfirmRetries)
}

func waitForTx(ctx context.Context, cc ChainContext, txID string, interval time.Duration, maxRetries int) error {
	t := time.NewTimer(interval)
	defer t.Stop()

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		found, err := cc.HasTx(ctx, txID)
		if err != nil {
			return errors.Wrapf(err, "confirmation check failed for %s", txID)
		} else if found {
			return nil
		}

		t.Reset(interval)
	}

	return errors.Wrapf(ErrTxNotConfirmed, "tx %s", txID)
}
