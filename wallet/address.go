package wallet

import (
	"github.com/blocknetprivacy/minichain/protocol/params"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pkg/errors"
)

var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrAddressChecksum = errors.WithMessage(ErrInvalidAddress, "checksum mismatch")
	ErrAddressVersion  = errors.WithMessage(ErrInvalidAddress, "unknown version byte")
)

// PubKeyHash returns RIPEMD160(SHA256(pubKey)), the locking key of outputs
// paid to that key.
func PubKeyHash(pubKey []byte) []byte {
	return btcutil.Hash160(pubKey)
}

// AddressFromPubKey encodes version || hash160(pubKey) || checksum in base58.
func AddressFromPubKey(pubKey []byte) string {
	return base58.CheckEncode(PubKeyHash(pubKey), params.AddressVersion)
}

// AddressFromLockingKey is the inverse of LockingKey.
func AddressFromLockingKey(lockingKey []byte) string {
	return base58.CheckEncode(lockingKey, params.AddressVersion)
}

// LockingKey extracts the public-key hash embedded in an address.
func LockingKey(address string) ([]byte, error) {
	payload, version, err := base58.CheckDecode(address)
	switch {
	case errors.Is(err, base58.ErrChecksum):
		return nil, ErrAddressChecksum
	case err != nil:
		return nil, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	if version != params.AddressVersion {
		return nil, ErrAddressVersion
	}
	if len(payload) != params.PubKeyHashLen {
		return nil, errors.Wrapf(ErrInvalidAddress, "payload length %d", len(payload))
	}
	return payload, nil
}

// ValidateAddress reports whether address decodes to a locking key.
func ValidateAddress(address string) bool {
	_, err := LockingKey(address)
	return err == nil
}
