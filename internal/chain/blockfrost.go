package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	blockfrostRespTimeout   = 15 * time.Second
	blockfrostMaxRespBytes  = 10 * 1024 * 1024
	blockfrostPageSize      = 100
	blockfrostMax429Retries = 3

	defaultMaxCallsPerSec = 10
)

var blockfrostBaseURLs = map[string]string{
	"mainnet": "https://cardano-mainnet.blockfrost.io/api/v0",
	"preprod": "https://cardano-preprod.blockfrost.io/api/v0",
}

// BlockfrostContext queries a hosted Blockfrost-compatible REST backend.
// All requests pass through a client-side rate limiter sized from the
// account's allowed call budget.
type BlockfrostContext struct {
	baseURL   string
	projectID string
	params    NetworkParams
	client    *http.Client
	limiter   *rate.Limiter

	logger  log.Logger
	svcTags metrics.Tags
}

var _ ChainContext = &BlockfrostContext{}

func NewBlockfrost(baseURL, projectID string, maxCalls int, params NetworkParams) (*BlockfrostContext, error) {
	if baseURL == "" {
		baseURL = blockfrostBaseURLs[params.Name]
	}
	if baseURL == "" {
		return nil, errors.Errorf("no Blockfrost endpoint known for network %s", params.Name)
	}
	if maxCalls <= 0 {
		maxCalls = defaultMaxCallsPerSec
	}

	return &BlockfrostContext{
		baseURL:   baseURL,
		projectID: projectID,
		params:    params,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: blockfrostRespTimeout,
			},
			Timeout: blockfrostRespTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(maxCalls), maxCalls),
		logger: log.WithFields(log.Fields{
			"svc":     "chain",
			"backend": "blockfrost",
		}),
		svcTags: metrics.Tags{
			"svc": "chain_blockfrost",
		},
	}, nil
}

// do performs one authenticated request, retrying on 429 with backoff.
// A 404 yields (nil, errNotFound) so callers can map missing resources.
func (c *BlockfrostContext) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create request %s", path)
		}
		req.Header.Set("project_id", c.projectID)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "blockfrost request failed: %s", path)
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, blockfrostMaxRespBytes))
		_ = resp.Body.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read response of %s", path)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return respBody, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, errNotFound
		case resp.StatusCode == http.StatusTooManyRequests && attempt < blockfrostMax429Retries:
			dur := b.Duration()
			c.logger.Warningf("blockfrost rate limited on %s, retrying in %s", path, dur)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.NewTimer(dur).C:
			}
		default:
			return nil, errors.Errorf("blockfrost %s returned status %d: %s", path, resp.StatusCode, string(respBody))
		}
	}
}

var errNotFound = errors.New("not found")

func (c *BlockfrostContext) getJSON(ctx context.Context, path string, result interface{}) error {
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return errors.Wrapf(err, "blockfrost: cannot decode %s response", path)
	}
	return nil
}

type blockfrostAmount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

type blockfrostUTxO struct {
	TxHash      string             `json:"tx_hash"`
	OutputIndex int                `json:"output_index"`
	Amount      []blockfrostAmount `json:"amount"`
	InlineDatum string             `json:"inline_datum"`
	DataHash    string             `json:"data_hash"`
}

func (o *blockfrostUTxO) toUTxO(address string) (UTxO, error) {
	u := UTxO{
		TxHash:  o.TxHash,
		Index:   o.OutputIndex,
		Address: address,
	}

	for _, amount := range o.Amount {
		quantity, err := strconv.ParseUint(amount.Quantity, 10, 64)
		if err != nil {
			return UTxO{}, errors.Wrapf(err, "invalid quantity %q in %s#%d", amount.Quantity, o.TxHash, o.OutputIndex)
		}

		if amount.Unit == "lovelace" {
			u.Coin = quantity
			continue
		}
		if len(amount.Unit) < 56 {
			return UTxO{}, errors.Errorf("malformed unit %q in %s#%d", amount.Unit, o.TxHash, o.OutputIndex)
		}

		if u.Assets == nil {
			u.Assets = make(map[AssetID]uint64)
		}
		u.Assets[AssetID{
			PolicyID:  amount.Unit[:56],
			AssetName: amount.Unit[56:],
		}] = quantity
	}

	if o.InlineDatum != "" {
		raw, err := hex.DecodeString(o.InlineDatum)
		if err != nil {
			return UTxO{}, errors.Wrapf(err, "invalid datum hex in %s#%d", o.TxHash, o.OutputIndex)
		}
		u.DatumCBOR = raw
	}

	return u, nil
}

func (c *BlockfrostContext) utxoPages(ctx context.Context, path, address string) ([]UTxO, error) {
	var utxos []UTxO

	for page := 1; ; page++ {
		var raw []blockfrostUTxO
		err := c.getJSON(ctx, fmt.Sprintf("%s?page=%d&count=%d", path, page, blockfrostPageSize), &raw)
		if errors.Is(err, errNotFound) {
			// unused addresses are reported as unknown resources
			return utxos, nil
		} else if err != nil {
			return nil, err
		}

		for i := range raw {
			u, err := raw[i].toUTxO(address)
			if err != nil {
				return nil, err
			}
			utxos = append(utxos, u)
		}

		if len(raw) < blockfrostPageSize {
			return utxos, nil
		}
	}
}

func (c *BlockfrostContext) GetUtxos(ctx context.Context, address string) ([]UTxO, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	utxos, err := c.utxoPages(ctx, "/addresses/"+address+"/utxos", address)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	return utxos, nil
}

func (c *BlockfrostContext) GetUtxosWithUnit(ctx context.Context, address string, unit AssetID) ([]UTxO, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	path := "/addresses/" + address + "/utxos/" + unit.PolicyID + unit.AssetName
	utxos, err := c.utxoPages(ctx, path, address)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	return utxos, nil
}

func (c *BlockfrostContext) SubmitTx(ctx context.Context, signedTx []byte) (string, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	body, err := c.do(ctx, http.MethodPost, "/tx/submit", signedTx, "application/cbor")
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", err
	}

	var txID string
	if err := json.Unmarshal(body, &txID); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", errors.Wrap(err, "blockfrost: cannot decode submit response")
	}

	return txID, nil
}

func (c *BlockfrostContext) HasTx(ctx context.Context, txID string) (bool, error) {
	var tx struct {
		Hash string `json:"hash"`
	}

	err := c.getJSON(ctx, "/txs/"+txID, &tx)
	if errors.Is(err, errNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return true, nil
}

type blockfrostBlock struct {
	Slot uint64 `json:"slot"`
	Time int64  `json:"time"`
}

func (c *BlockfrostContext) CurrentSlot(ctx context.Context) (uint64, error) {
	var block blockfrostBlock
	if err := c.getJSON(ctx, "/blocks/latest", &block); err != nil {
		return 0, err
	}

	return block.Slot, nil
}

func (c *BlockfrostContext) CurrentPosixChainTimeMs(ctx context.Context) (int64, error) {
	var block blockfrostBlock
	if err := c.getJSON(ctx, "/blocks/latest", &block); err != nil {
		return 0, err
	}

	return block.Time * 1000, nil
}

func (c *BlockfrostContext) NetworkTag(ctx context.Context) (string, error) {
	var genesis struct {
		NetworkMagic uint32 `json:"network_magic"`
	}

	if err := c.getJSON(ctx, "/genesis", &genesis); err != nil {
		return "", err
	}

	name := NetworkNameForMagic(genesis.NetworkMagic)
	if name == "" {
		return "", errors.Errorf("unknown network magic: %d", genesis.NetworkMagic)
	}

	return name, nil
}

func (c *BlockfrostContext) Local() bool {
	return false
}

func (c *BlockfrostContext) Close() {}
