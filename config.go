package main

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// DataDirKey is the directory holding the chain database and keys
	DataDirKey = "datadir"
	// StorageEngineKey selects the ChainStore backend: bolt or badger
	StorageEngineKey = "storage.engine"
	// DifficultyKey is the static nbits every block must declare
	DifficultyKey = "difficulty"
	// MiningEnabledKey starts the miner loop with the daemon
	MiningEnabledKey = "mining.enabled"
	// MiningAddressKey receives coinbase rewards
	MiningAddressKey = "mining.address"
	// MiningIntervalKey is the pause between mining attempts
	MiningIntervalKey = "mining.interval"
	// MiningEmptyKey mines coinbase-only blocks when the mempool is empty
	MiningEmptyKey = "mining.empty"
	// APIListenKey is the HTTP API listen address; empty disables the API
	APIListenKey = "api.listen"
	// APIAuthKey protects control routes with a token written to the
	// data dir cookie file
	APIAuthKey = "api.auth"
	// TransportKey is the peer transport: http or libp2p
	TransportKey = "p2p.transport"
	// P2PListenKey are the libp2p listen multiaddrs
	P2PListenKey = "p2p.listen"
	// PeersKey are peer base URLs (http) or full multiaddrs (libp2p)
	PeersKey = "p2p.peers"
	// PeerTimeoutKey bounds a single peer request
	PeerTimeoutKey = "p2p.timeout"
	// SyncIntervalKey is the pause between sync rounds
	SyncIntervalKey = "sync.interval"
	// LogLevelKey is a logrus level name
	LogLevelKey = "log.level"
	// KeystorePathKey overrides the keystore location
	KeystorePathKey = "keystore.path"

	TransportHTTP   = "http"
	TransportLibp2p = "libp2p"

	envPrefix = "MINICHAIN"
)

// Config is the validated node configuration.
type Config struct {
	DataDir       string
	StorageEngine string
	Difficulty    uint32

	MiningEnabled  bool
	MiningAddress  string
	MiningInterval time.Duration
	MiningEmpty    bool

	APIListen string
	APIAuth   bool

	Transport   string
	P2PListen   []string
	Peers       []string
	PeerTimeout time.Duration

	SyncInterval time.Duration
	LogLevel     log.Level
	KeystorePath string
}

// NewViper returns a viper instance with defaults and MINICHAIN_* env
// bindings, so MINICHAIN_API_LISTEN sets api.listen.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(DataDirKey, DefaultDataDir)
	v.SetDefault(StorageEngineKey, StorageEngineBolt)
	v.SetDefault(DifficultyKey, DefaultDifficulty)
	v.SetDefault(MiningEnabledKey, false)
	v.SetDefault(MiningAddressKey, "")
	v.SetDefault(MiningIntervalKey, DefaultMineInterval)
	v.SetDefault(MiningEmptyKey, false)
	v.SetDefault(APIListenKey, DefaultAPIAddr)
	v.SetDefault(APIAuthKey, true)
	v.SetDefault(TransportKey, TransportHTTP)
	v.SetDefault(P2PListenKey, []string{"/ip4/0.0.0.0/tcp/28080"})
	v.SetDefault(PeersKey, []string{})
	v.SetDefault(PeerTimeoutKey, DefaultPeerTimeout)
	v.SetDefault(SyncIntervalKey, DefaultSyncInterval)
	v.SetDefault(LogLevelKey, log.InfoLevel.String())
	v.SetDefault(KeystorePathKey, "")
	return v
}

// LoadConfig reads the optional config file and validates every key.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}

	cfg := &Config{
		DataDir:        v.GetString(DataDirKey),
		StorageEngine:  strings.ToLower(v.GetString(StorageEngineKey)),
		Difficulty:     v.GetUint32(DifficultyKey),
		MiningEnabled:  v.GetBool(MiningEnabledKey),
		MiningAddress:  v.GetString(MiningAddressKey),
		MiningInterval: v.GetDuration(MiningIntervalKey),
		MiningEmpty:    v.GetBool(MiningEmptyKey),
		APIListen:      v.GetString(APIListenKey),
		APIAuth:        v.GetBool(APIAuthKey),
		Transport:      strings.ToLower(v.GetString(TransportKey)),
		P2PListen:      splitList(v.GetStringSlice(P2PListenKey)),
		Peers:          splitList(v.GetStringSlice(PeersKey)),
		PeerTimeout:    v.GetDuration(PeerTimeoutKey),
		SyncInterval:   v.GetDuration(SyncIntervalKey),
		KeystorePath:   v.GetString(KeystorePathKey),
	}

	level, err := log.ParseLevel(v.GetString(LogLevelKey))
	if err != nil {
		return nil, errors.Wrap(err, LogLevelKey)
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both list values and comma-separated env strings.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("datadir must not be empty")
	}
	switch c.StorageEngine {
	case StorageEngineBolt, StorageEngineBadger:
	default:
		return errors.Errorf("%s must be %q or %q", StorageEngineKey, StorageEngineBolt, StorageEngineBadger)
	}
	if c.Difficulty > MaxDifficultyBits {
		return errors.Errorf("%s must be at most %d", DifficultyKey, MaxDifficultyBits)
	}
	switch c.Transport {
	case TransportHTTP, TransportLibp2p:
	default:
		return errors.Errorf("%s must be %q or %q", TransportKey, TransportHTTP, TransportLibp2p)
	}
	if c.MiningEnabled && c.MiningAddress == "" {
		return errors.Errorf("%s is required when mining is enabled", MiningAddressKey)
	}
	if c.SyncInterval <= 0 {
		return errors.Errorf("%s must be positive", SyncIntervalKey)
	}
	if c.MiningInterval <= 0 {
		return errors.Errorf("%s must be positive", MiningIntervalKey)
	}
	return nil
}

// KeystoreFile returns the keystore location, defaulting into the data dir.
func (c *Config) KeystoreFile() string {
	if c.KeystorePath != "" {
		return c.KeystorePath
	}
	return filepath.Join(c.DataDir, DefaultKeystoreFilename)
}

// IdentityFile is where the libp2p node key is persisted.
func (c *Config) IdentityFile() string {
	return filepath.Join(c.DataDir, DefaultIdentityFilename)
}
