// Package p2p carries blocks, transactions and sync requests between
// minichain nodes over libp2p streams.
package p2p

import (
	"crypto/rand"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LoadOrCreateIdentity returns the node key stored at path, generating and
// saving a new Ed25519 key when the file does not exist. An empty path
// yields an ephemeral identity.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	if path == "" {
		return generateIdentity()
	}

	key, id, err := loadIdentity(path)
	if err == nil {
		log.WithFields(log.Fields{"peer": id, "path": path}).Debug("Loaded persistent identity")
		return key, id, nil
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, "", errors.Wrapf(err, "load identity %s", path)
	}

	key, id, err = generateIdentity()
	if err != nil {
		return nil, "", err
	}
	if err := saveIdentity(path, key); err != nil {
		return nil, "", errors.Wrapf(err, "save identity %s", path)
	}
	log.WithFields(log.Fields{"peer": id, "path": path}).Info("Generated new persistent identity")
	return key, id, nil
}

func loadIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	key, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, "", errors.Wrap(err, "unmarshal key")
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, "", err
	}
	return key, id, nil
}

func saveIdentity(path string, key crypto.PrivKey) error {
	data, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func generateIdentity() (crypto.PrivKey, peer.ID, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	return priv, id, nil
}
