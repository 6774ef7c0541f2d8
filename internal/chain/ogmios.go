package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

const (
	ogmiosDialTimeout    = 10 * time.Second
	ogmiosCallTimeout    = 10 * time.Second
	ogmiosMaxDialRetries = 5
)

// OgmiosContext speaks JSON-RPC 2.0 to an Ogmios bridge attached to a local
// node over a single WebSocket connection. Calls are serialized; a failed
// call drops the connection and the next call redials.
type OgmiosContext struct {
	mux    sync.Mutex
	conn   *websocket.Conn
	wsURL  string
	params NetworkParams
	nextID uint64

	logger  log.Logger
	svcTags metrics.Tags
}

var _ ChainContext = &OgmiosContext{}

// DialOgmios connects to the Ogmios WebSocket endpoint, retrying with
// backoff before giving up.
func DialOgmios(ctx context.Context, wsURL string, params NetworkParams) (*OgmiosContext, error) {
	c := &OgmiosContext{
		wsURL:  wsURL,
		params: params,
		logger: log.WithFields(log.Fields{
			"svc":     "chain",
			"backend": "ogmios",
		}),
		svcTags: metrics.Tags{
			"svc": "chain_ogmios",
		},
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	return c, nil
}

func (c *OgmiosContext) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse Ogmios WS url %s", c.wsURL)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  ogmiosDialTimeout,
		EnableCompression: true,
	}

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for retries := 0; ; retries++ {
		conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		} else if err == nil {
			c.logger.Infoln("connected to Ogmios WebSocket")
			return conn, nil
		}

		if retries >= ogmiosMaxDialRetries {
			return nil, errors.Wrapf(err, "reached maximum Ogmios dial retries (%d)", ogmiosMaxDialRetries)
		}

		dur := b.Duration()
		c.logger.WithError(err).Warningf("failed to connect to Ogmios, retrying in %s", dur)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.NewTimer(dur).C:
		}
	}
}

type ogmiosRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

type ogmiosResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ogmiosError    `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

type ogmiosError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ogmiosError) Error() string {
	return fmt.Sprintf("ogmios: %s (code %d)", e.Message, e.Code)
}

func (c *OgmiosContext) call(ctx context.Context, method string, params, result interface{}) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		c.conn = conn
	}

	c.nextID++
	req := ogmiosRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
	}

	deadline := time.Now().Add(ogmiosCallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		c.drop()
		return errors.Wrapf(err, "ogmios write failed: %s", method)
	}

	_ = c.conn.SetReadDeadline(deadline)
	for {
		var resp ogmiosResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.drop()
			return errors.Wrapf(err, "ogmios read failed: %s", method)
		}

		// skip stale replies left over from abandoned calls
		if resp.ID != req.ID {
			continue
		}

		if resp.Error != nil {
			return errors.Wrapf(resp.Error, "ogmios call failed: %s", method)
		}

		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrapf(err, "ogmios: cannot decode %s result", method)
		}
		return nil
	}
}

// drop discards the connection after a transport error. Caller holds the lock.
func (c *OgmiosContext) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

type ogmiosUTxO struct {
	Transaction struct {
		ID string `json:"id"`
	} `json:"transaction"`
	Index   int                          `json:"index"`
	Address string                       `json:"address"`
	Value   map[string]map[string]uint64 `json:"value"`
	Datum   string                       `json:"datum,omitempty"`
}

func (o *ogmiosUTxO) toUTxO() (UTxO, error) {
	u := UTxO{
		TxHash:  o.Transaction.ID,
		Index:   o.Index,
		Address: o.Address,
	}

	for policy, names := range o.Value {
		if policy == "ada" {
			u.Coin = names["lovelace"]
			continue
		}
		for name, amount := range names {
			if u.Assets == nil {
				u.Assets = make(map[AssetID]uint64)
			}
			u.Assets[AssetID{PolicyID: policy, AssetName: name}] = amount
		}
	}

	if o.Datum != "" {
		raw, err := hex.DecodeString(o.Datum)
		if err != nil {
			return UTxO{}, errors.Wrapf(err, "invalid datum hex in %s#%d", o.Transaction.ID, o.Index)
		}
		u.DatumCBOR = raw
	}

	return u, nil
}

func (c *OgmiosContext) GetUtxos(ctx context.Context, address string) ([]UTxO, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	var raw []ogmiosUTxO
	if err := c.call(ctx, "queryLedgerState/utxo", map[string]interface{}{
		"addresses": []string{address},
	}, &raw); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	utxos := make([]UTxO, 0, len(raw))
	for i := range raw {
		u, err := raw[i].toUTxO()
		if err != nil {
			metrics.ReportFuncError(c.svcTags)
			return nil, err
		}
		utxos = append(utxos, u)
	}

	return utxos, nil
}

func (c *OgmiosContext) GetUtxosWithUnit(ctx context.Context, address string, unit AssetID) ([]UTxO, error) {
	all, err := c.GetUtxos(ctx, address)
	if err != nil {
		return nil, err
	}

	var matched []UTxO
	for i := range all {
		if all[i].HasAsset(unit) {
			matched = append(matched, all[i])
		}
	}

	return matched, nil
}

func (c *OgmiosContext) SubmitTx(ctx context.Context, signedTx []byte) (string, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	var result struct {
		Transaction struct {
			ID string `json:"id"`
		} `json:"transaction"`
	}

	if err := c.call(ctx, "submitTransaction", map[string]interface{}{
		"transaction": map[string]string{
			"cbor": hex.EncodeToString(signedTx),
		},
	}, &result); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", err
	}

	return result.Transaction.ID, nil
}

// HasTx checks inclusion by probing the ledger for the transaction's first
// output. Ogmios has no direct tx-by-hash query.
func (c *OgmiosContext) HasTx(ctx context.Context, txID string) (bool, error) {
	var raw []ogmiosUTxO
	if err := c.call(ctx, "queryLedgerState/utxo", map[string]interface{}{
		"outputReferences": []map[string]interface{}{
			{
				"transaction": map[string]string{"id": txID},
				"index":       0,
			},
		},
	}, &raw); err != nil {
		return false, err
	}

	return len(raw) > 0, nil
}

func (c *OgmiosContext) CurrentSlot(ctx context.Context) (uint64, error) {
	var tip struct {
		Slot uint64 `json:"slot"`
		ID   string `json:"id"`
	}

	if err := c.call(ctx, "queryLedgerState/tip", nil, &tip); err != nil {
		return 0, err
	}

	return tip.Slot, nil
}

func (c *OgmiosContext) CurrentPosixChainTimeMs(ctx context.Context) (int64, error) {
	slot, err := c.CurrentSlot(ctx)
	if err != nil {
		return 0, err
	}

	return c.params.SlotToPosixMs(slot), nil
}

func (c *OgmiosContext) NetworkTag(ctx context.Context) (string, error) {
	var genesis struct {
		NetworkMagic uint32 `json:"networkMagic"`
	}

	if err := c.call(ctx, "queryNetwork/genesisConfiguration", map[string]string{
		"era": "shelley",
	}, &genesis); err != nil {
		return "", err
	}

	name := NetworkNameForMagic(genesis.NetworkMagic)
	if name == "" {
		return "", errors.Errorf("unknown network magic: %d", genesis.NetworkMagic)
	}

	return name, nil
}

func (c *OgmiosContext) Local() bool {
	return true
}

func (c *OgmiosContext) Close() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.drop()
}
