package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
)

// KeyPair is a secp256k1 signing key.
type KeyPair struct {
	priv *btcec.PrivateKey
}

// GenerateKeyPair creates a fresh random key.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromBytes restores a key from its 32-byte scalar.
func KeyPairFromBytes(b []byte) (*KeyPair, error) {
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, errors.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return &KeyPair{priv: priv}, nil
}

// Bytes returns the 32-byte private scalar.
func (k *KeyPair) Bytes() []byte {
	return k.priv.Serialize()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

func (k *KeyPair) Address() string {
	return AddressFromPubKey(k.PublicKey())
}

// Sign produces a DER signature over a 32-byte digest.
func (k *KeyPair) Sign(digest []byte) []byte {
	return ecdsa.Sign(k.priv, digest).Serialize()
}

// VerifySignature checks a DER signature over digest against pubKey.
func VerifySignature(pubKey, digest, sig []byte) bool {
	pk, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(digest, pk)
}
