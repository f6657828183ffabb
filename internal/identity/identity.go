// Package identity manages a node's long-term cryptographic identity:
// an Ed25519 signing keypair and an X25519 static keypair, persisted to
// disk encrypted under a passphrase-derived key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/shranto27/wraith/internal/cryptocore"
)

const (
	identityFileName = "identity.wraith"

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	saltSize     = 16
)

var (
	// ErrNotFound is returned when no identity file exists at the given path.
	ErrNotFound = errors.New("identity: not found")

	// ErrDecryptFailed is returned when the passphrase is wrong or the
	// file is corrupt.
	ErrDecryptFailed = errors.New("identity: failed to decrypt identity file")
)

// Identity is a node's long-term keypair set.
type Identity struct {
	Signing    *cryptocore.SigningKeypair
	StaticPriv cryptocore.Key
	StaticPub  cryptocore.Key
}

// AgentID derives a stable short identifier for the identity from its
// static public key, for logging and display.
func (id *Identity) AgentID() string {
	return hex.EncodeToString(id.StaticPub[:8])
}

// New generates a fresh identity: a new Ed25519 signing keypair and a
// new X25519 static keypair.
func New() (*Identity, error) {
	signing, err := cryptocore.GenerateSigningKeypair(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	priv, pub, err := cryptocore.GenerateX25519Keypair(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generate static key: %w", err)
	}
	return &Identity{Signing: signing, StaticPriv: priv, StaticPub: pub}, nil
}

// Zero wipes all private key material reachable from the identity.
func (id *Identity) Zero() {
	id.StaticPriv.Zero()
	cryptocore.ZeroBytes(id.Signing.Private)
}

// onDiskPayload is the plaintext serialized and then AEAD-sealed when
// persisting an identity.
type onDiskPayload struct {
	SigningPrivate []byte `json:"signing_private"`
	SigningPublic  []byte `json:"signing_public"`
	StaticPriv     []byte `json:"static_priv"`
	StaticPub      []byte `json:"static_pub"`
}

// onDiskFile is the full sidecar file format: a random salt, the AEAD
// nonce, and the ciphertext.
type onDiskFile struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Save persists the identity to <dataDir>/identity.wraith, encrypted
// under an Argon2id-derived key from passphrase. Writes atomically via
// a temp file plus rename.
func (id *Identity) Save(dataDir string, passphrase []byte) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("identity: create data directory: %w", err)
	}

	payload := onDiskPayload{
		SigningPrivate: []byte(id.Signing.Private),
		SigningPublic:  []byte(id.Signing.Public),
		StaticPriv:     id.StaticPriv[:],
		StaticPub:      id.StaticPub[:],
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("identity: marshal payload: %w", err)
	}
	defer cryptocore.ZeroBytes(plaintext)

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("identity: generate salt: %w", err)
	}
	key := deriveKey(passphrase, salt)
	defer key.Zero()

	var nonce cryptocore.Nonce
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("identity: generate nonce: %w", err)
	}

	ciphertext, err := cryptocore.Encrypt(key, nonce, []byte(identityFileName), plaintext)
	if err != nil {
		return fmt.Errorf("identity: encrypt: %w", err)
	}

	onDisk := onDiskFile{Salt: salt, Nonce: nonce[:], Ciphertext: ciphertext}
	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal file: %w", err)
	}

	path := filepath.Join(dataDir, identityFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("identity: rename into place: %w", err)
	}
	return nil
}

// Load reads and decrypts an identity from <dataDir>/identity.wraith.
func Load(dataDir string, passphrase []byte) (*Identity, error) {
	path := filepath.Join(dataDir, identityFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: read file: %w", err)
	}

	var onDisk onDiskFile
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("identity: parse file: %w", err)
	}

	key := deriveKey(passphrase, onDisk.Salt)
	defer key.Zero()

	var nonce cryptocore.Nonce
	copy(nonce[:], onDisk.Nonce)

	plaintext, err := cryptocore.Decrypt(key, nonce, []byte(identityFileName), onDisk.Ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	defer cryptocore.ZeroBytes(plaintext)

	var payload onDiskPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("identity: parse payload: %w", err)
	}

	id := &Identity{
		Signing: &cryptocore.SigningKeypair{
			Public:  ed25519.PublicKey(payload.SigningPublic),
			Private: ed25519.PrivateKey(payload.SigningPrivate),
		},
	}
	copy(id.StaticPriv[:], payload.StaticPriv)
	copy(id.StaticPub[:], payload.StaticPub)
	return id, nil
}

// LoadOrCreate loads an existing identity from dataDir, or generates and
// persists a new one if none exists.
func LoadOrCreate(dataDir string, passphrase []byte) (id *Identity, created bool, err error) {
	id, err = Load(dataDir, passphrase)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	id, err = New()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(dataDir, passphrase); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Exists reports whether an identity file exists at dataDir.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, identityFileName))
	return err == nil
}

func deriveKey(passphrase, salt []byte) cryptocore.Key {
	raw := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, cryptocore.KeySize)
	var key cryptocore.Key
	copy(key[:], raw)
	cryptocore.ZeroBytes(raw)
	return key
}
