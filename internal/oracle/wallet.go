package oracle

import (
	"encoding/hex"

	serAddress "github.com/Salvionied/apollo/serialization/Address"
	"github.com/Salvionied/apollo/serialization/Key"
	"github.com/blinklabs-io/bursa"
	"github.com/pkg/errors"
)

// Wallet holds the operator's payment identity. The signing key stays
// private to the struct; everything else is derived once at startup.
type Wallet struct {
	// Address is the bech32 payment address funding transactions and
	// receiving change.
	Address string

	// PKH is the payment key hash identifying the operator in datums and
	// in the settings' authorization list.
	PKH []byte

	changeAddress serAddress.Address
	vkey          Key.VerificationKey
	skey          Key.SigningKey
}

// NewWalletFromMnemonic derives the operator wallet at the conventional
// first payment path. Network is the bursa network name, e.g. "mainnet" or
// "preprod".
func NewWalletFromMnemonic(mnemonic, network string) (*Wallet, error) {
	if mnemonic == "" {
		return nil, errors.New("wallet mnemonic is not set")
	}

	w, err := bursa.NewWallet(mnemonic, network, "", 0, 0, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive wallet from mnemonic")
	}

	vKeyBytes, err := hex.DecodeString(w.PaymentVKey.CborHex)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode payment vkey")
	}
	sKeyBytes, err := hex.DecodeString(w.PaymentExtendedSKey.CborHex)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode payment skey")
	}
	if len(vKeyBytes) < 2 || len(sKeyBytes) < 98 {
		return nil, errors.New("derived payment keys are truncated")
	}

	// Both key files wrap the payload in a 2-byte CBOR prefix, and the
	// extended signing key carries the public key between the two scalar
	// halves.
	vKeyBytes = vKeyBytes[2:]
	sKeyBytes = sKeyBytes[2:]
	sKeyBytes = append(sKeyBytes[:64], sKeyBytes[96:]...)

	changeAddress, err := serAddress.DecodeAddress(w.PaymentAddress)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode payment address")
	}
	if len(changeAddress.PaymentPart) == 0 {
		return nil, errors.New("payment address has no key hash part")
	}

	return &Wallet{
		Address:       w.PaymentAddress,
		PKH:           changeAddress.PaymentPart,
		changeAddress: changeAddress,
		vkey:          Key.VerificationKey{Payload: vKeyBytes},
		skey:          Key.SigningKey{Payload: sKeyBytes},
	}, nil
}

// ChangeAddress returns the decoded form used by the transaction builder.
func (w *Wallet) ChangeAddress() serAddress.Address {
	return w.changeAddress
}

// Keys returns the signing pair for transaction witnessing.
func (w *Wallet) Keys() (Key.VerificationKey, Key.SigningKey) {
	return w.vkey, w.skey
}
