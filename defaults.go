package main

import "time"

// Node defaults.
//
// Keep these centralized so main/daemon/cli/storage stay consistent.
const (
	DefaultDataDir          = "./minichain-data"
	DefaultChainDBFilename  = "minichain.chain.db"
	DefaultBadgerDirname    = "minichain.badger"
	DefaultKeystoreFilename = "minichain.keystore"
	DefaultIdentityFilename = "identity.key"

	DefaultDifficulty   = uint32(16)
	DefaultAPIAddr      = "127.0.0.1:8545"
	DefaultSyncInterval = 10 * time.Second
	DefaultMineInterval = 20 * time.Second
	DefaultPeerTimeout  = 10 * time.Second

	// MaxBlocksPerResponse caps blocks served per get-blocks request.
	MaxBlocksPerResponse = 500

	// MaxBlocksResponseBytes caps the encoded size of a get-blocks
	// response, well under the libp2p sync frame limit.
	MaxBlocksResponseBytes = 32 << 20
)
