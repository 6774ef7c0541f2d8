package oracle

import (
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
)

// NFTTags locates the oracle instance's state UTxOs at the validator address.
// OracleFeed, AggState and Reward are singletons. NodeFeed is a fungible tag,
// one token locked per authorized node.
type NFTTags struct {
	OracleFeed chain.AssetID
	AggState   chain.AssetID
	Reward     chain.AssetID
	NodeFeed   chain.AssetID
}

// NodeUTxO pairs a NodeFeed UTxO with its decoded datum.
type NodeUTxO struct {
	UTxO  chain.UTxO
	Datum *NodeDatum
}

// OracleState is a consistent snapshot of the oracle instance, selected out
// of one address query at the start of a cycle.
type OracleState struct {
	FeedUTxO chain.UTxO
	Feed     *OracleFeed

	SettingsUTxO chain.UTxO
	Settings     *OracleSettings

	RewardUTxO chain.UTxO
	Reward     *RewardState

	// Nodes holds every readable NodeFeed UTxO, own node included.
	Nodes []NodeUTxO

	// OwnNode points into Nodes at the entry whose datum carries the
	// operator's key hash. Nil when the node is not registered on-chain.
	OwnNode *NodeUTxO
}

// PeerNodes returns every node entry except the operator's own.
func (s *OracleState) PeerNodes() []NodeUTxO {
	peers := make([]NodeUTxO, 0, len(s.Nodes))
	for i := range s.Nodes {
		if s.OwnNode != nil && s.Nodes[i].UTxO.Ref() == s.OwnNode.UTxO.Ref() {
			continue
		}
		peers = append(peers, s.Nodes[i])
	}
	return peers
}

// IsAuthorized reports whether pkh appears in the settings' operator list.
func (s *OracleState) IsAuthorized(pkh []byte) bool {
	for _, allowed := range s.Settings.NodePKHs {
		if bytesEqual(allowed, pkh) {
			return true
		}
	}
	return false
}

// ReadOracleState picks the oracle's state UTxOs out of the validator
// address set by NFT tag and decodes their datums. Each singleton tag must
// match exactly one UTxO. Node UTxOs with unreadable datums are skipped with
// a warning so a single misbehaving peer cannot stall the whole network.
func ReadOracleState(utxos []chain.UTxO, tags NFTTags, ownPKH []byte, lggr log.Logger) (*OracleState, error) {
	state := &OracleState{}

	feedUtxo, err := selectSingleton(utxos, tags.OracleFeed, "OracleFeed")
	if err != nil {
		return nil, err
	}
	state.FeedUTxO = feedUtxo
	if state.Feed, err = ParseOracleFeed(feedUtxo.DatumCBOR); err != nil {
		return nil, errors.Wrapf(err, "bad datum on OracleFeed utxo %s", feedUtxo.Ref())
	}

	settingsUtxo, err := selectSingleton(utxos, tags.AggState, "AggState")
	if err != nil {
		return nil, err
	}
	state.SettingsUTxO = settingsUtxo
	if state.Settings, err = ParseOracleSettings(settingsUtxo.DatumCBOR); err != nil {
		return nil, errors.Wrapf(err, "bad datum on AggState utxo %s", settingsUtxo.Ref())
	}

	rewardUtxo, err := selectSingleton(utxos, tags.Reward, "Reward")
	if err != nil {
		return nil, err
	}
	state.RewardUTxO = rewardUtxo
	if state.Reward, err = ParseRewardState(rewardUtxo.DatumCBOR); err != nil {
		return nil, errors.Wrapf(err, "bad datum on Reward utxo %s", rewardUtxo.Ref())
	}

	for _, utxo := range utxos {
		if !utxo.HasAsset(tags.NodeFeed) {
			continue
		}
		datum, err := ParseNodeDatum(utxo.DatumCBOR)
		if err != nil {
			lggr.WithError(err).WithField("utxo", utxo.Ref()).
				Warningln("skipping NodeFeed utxo with unreadable datum")
			continue
		}
		state.Nodes = append(state.Nodes, NodeUTxO{UTxO: utxo, Datum: datum})
	}
	for i := range state.Nodes {
		if bytesEqual(state.Nodes[i].Datum.OperatorPKH, ownPKH) {
			state.OwnNode = &state.Nodes[i]
			break
		}
	}

	return state, nil
}

func selectSingleton(utxos []chain.UTxO, tag chain.AssetID, name string) (chain.UTxO, error) {
	var found []chain.UTxO
	for _, utxo := range utxos {
		if utxo.HasAsset(tag) {
			found = append(found, utxo)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return chain.UTxO{}, errors.Errorf("%s utxo not found at oracle address", name)
	default:
		return chain.UTxO{}, errors.Errorf("%s tag matched %d utxos, want exactly 1", name, len(found))
	}
}
