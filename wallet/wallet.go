package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

var (
	ErrUnknownAddress = errors.New("address not in keystore")
	ErrWrongPassword  = errors.New("failed to decrypt keystore (wrong password?)")
)

// wipeBytes best-effort zeroes a byte slice.
// This is not a guarantee in Go (copies may exist), but it reduces exposure windows.
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// KDFParams tunes the argon2id key derivation for keystore encryption.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams are used for new keystores.
var DefaultKDFParams = KDFParams{
	Time:    3,
	Memory:  64 * 1024, // 64 MiB
	Threads: 4,
}

const (
	keystoreMagic     = "MCKEYS01"
	keystoreSaltLen   = 16
	keystoreKeyLen    = 32
	keystoreHeaderLen = 8 + 4 + 4 + 1 // magic || time || memKiB || threads
)

type keystoreData struct {
	Version int      `json:"version"`
	Keys    []string `json:"keys"`
}

// Keystore holds signing keys by address and signs on behalf of the ledger.
// An empty filename keeps everything in memory.
type Keystore struct {
	mu       sync.RWMutex
	filename string
	password []byte
	kdf      KDFParams
	keys     map[string]*KeyPair
}

// NewKeystore returns an in-memory keystore.
func NewKeystore() *Keystore {
	return &Keystore{keys: make(map[string]*KeyPair)}
}

// OpenKeystore loads an encrypted keystore, creating an empty one if the
// file does not exist yet.
func OpenKeystore(filename string, password []byte, kdf KDFParams) (*Keystore, error) {
	ks := &Keystore{
		filename: filename,
		password: cloneBytes(password),
		kdf:      kdf,
		keys:     make(map[string]*KeyPair),
	}

	encrypted, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		if err := ks.Save(); err != nil {
			return nil, errors.Wrap(err, "failed to create keystore")
		}
		return ks, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read keystore")
	}

	plaintext, err := decrypt(encrypted, password)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(plaintext)

	var data keystoreData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, errors.Wrap(err, "failed to parse keystore")
	}
	for _, h := range data.Keys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, errors.Wrap(err, "corrupt key entry")
		}
		kp, err := KeyPairFromBytes(raw)
		wipeBytes(raw)
		if err != nil {
			return nil, err
		}
		ks.keys[kp.Address()] = kp
	}
	return ks, nil
}

// NewKey generates a key, stores it and returns its address.
func (ks *Keystore) NewKey() (string, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	addr := ks.AddKey(kp)
	if err := ks.Save(); err != nil {
		return "", err
	}
	return addr, nil
}

// AddKey stores kp without persisting and returns its address.
func (ks *Keystore) AddKey(kp *KeyPair) string {
	addr := kp.Address()
	ks.mu.Lock()
	ks.keys[addr] = kp
	ks.mu.Unlock()
	return addr
}

// Addresses lists stored addresses in sorted order.
func (ks *Keystore) Addresses() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]string, 0, len(ks.keys))
	for addr := range ks.keys {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (ks *Keystore) key(address string) (*KeyPair, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	kp, ok := ks.keys[address]
	if !ok {
		return nil, errors.Wrap(ErrUnknownAddress, address)
	}
	return kp, nil
}

// Sign signs a 32-byte digest with the key behind address.
func (ks *Keystore) Sign(message []byte, address string) ([]byte, error) {
	kp, err := ks.key(address)
	if err != nil {
		return nil, err
	}
	return kp.Sign(message), nil
}

// PublicKey returns the compressed public key behind address.
func (ks *Keystore) PublicKey(address string) ([]byte, error) {
	kp, err := ks.key(address)
	if err != nil {
		return nil, err
	}
	return kp.PublicKey(), nil
}

// Save encrypts and writes the keystore to disk. It is a no-op for
// in-memory keystores.
func (ks *Keystore) Save() error {
	if ks.filename == "" {
		return nil
	}

	ks.mu.RLock()
	data := keystoreData{Version: 1, Keys: make([]string, 0, len(ks.keys))}
	for _, kp := range ks.keys {
		data.Keys = append(data.Keys, hex.EncodeToString(kp.Bytes()))
	}
	ks.mu.RUnlock()
	sort.Strings(data.Keys)

	plaintext, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal keystore")
	}
	defer wipeBytes(plaintext)

	encrypted, err := encrypt(plaintext, ks.password, ks.kdf)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt keystore")
	}
	if err := os.WriteFile(ks.filename, encrypted, 0600); err != nil {
		return errors.Wrap(err, "failed to write keystore")
	}
	return nil
}

func deriveKey(password, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, keystoreKeyLen)
}

// encrypt output: magic(8) || time(4) || memKiB(4) || threads(1) || salt(16) || nonce || ciphertext
func encrypt(plaintext, password []byte, p KDFParams) ([]byte, error) {
	salt := make([]byte, keystoreSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	key := deriveKey(password, salt, p)
	defer wipeBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	header := make([]byte, keystoreHeaderLen)
	copy(header, keystoreMagic)
	binary.BigEndian.PutUint32(header[8:12], p.Time)
	binary.BigEndian.PutUint32(header[12:16], p.Memory)
	header[16] = p.Threads

	out := make([]byte, 0, len(header)+len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, header...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, header), nil
}

func decrypt(data, password []byte) ([]byte, error) {
	if len(data) < keystoreHeaderLen+keystoreSaltLen || string(data[:8]) != keystoreMagic {
		return nil, errors.New("not a keystore file")
	}
	header := data[:keystoreHeaderLen]
	p := KDFParams{
		Time:    binary.BigEndian.Uint32(header[8:12]),
		Memory:  binary.BigEndian.Uint32(header[12:16]),
		Threads: header[16],
	}
	salt := data[keystoreHeaderLen : keystoreHeaderLen+keystoreSaltLen]

	key := deriveKey(password, salt, p)
	defer wipeBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	rest := data[keystoreHeaderLen+keystoreSaltLen:]
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("keystore truncated")
	}
	plaintext, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], header)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plaintext, nil
}
