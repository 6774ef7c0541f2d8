package chain

const (
	// MinCollateralLovelace and MaxCollateralLovelace bound the pure-ADA
	// outputs considered usable as script collateral.
	MinCollateralLovelace = 5_000_000
	MaxCollateralLovelace = 10_000_000

	// CreateCollateralLovelace is the size of a fresh collateral output.
	CreateCollateralLovelace = 5_000_000
)

// FindCollateral picks the first pure-ADA output within the collateral
// bounds, or nil when the wallet holds none.
func FindCollateral(utxos []UTxO) *UTxO {
	for i := range utxos {
		u := &utxos[i]
		if !u.OnlyLovelace() {
			continue
		}
		if u.Coin >= MinCollateralLovelace && u.Coin <= MaxCollateralLovelace {
			return u
		}
	}
	return nil
}
