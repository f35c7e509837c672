package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store is a file-backed wallet: one ed25519 keypair per named party,
// kept under <workspace>/.gigchain/keys.
type Store struct {
	Dir string
}

var ErrKeyNotFound = errors.New("key not found")

type keyFile struct {
	Name      string `json:"name"`
	PubKey    string `json:"pub_key"`
	PrivKey   string `json:"priv_key"`
	Arbiter   bool   `json:"arbiter,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Open returns a store rooted at the workspace key directory.
func Open(workspace string) (Store, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, ".gigchain", "keys")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Store{}, err
	}
	return Store{Dir: dir}, nil
}

// KeyHash derives the identity hash for a public key.
func KeyHash(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// DID derives the DID string for an identity hash.
func DID(keyHash string) string {
	return "did:gig:" + keyHash
}

// Signer wraps a loaded keypair.
type Signer struct {
	Name    string
	Pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	Arbiter bool
}

func (s Signer) KeyHash() string { return KeyHash(s.Pub) }
func (s Signer) DID() string     { return DID(s.KeyHash()) }

// Sign produces a detached signature over the given digest.
func (s Signer) Sign(digest []byte) []byte {
	return ed25519.Sign(s.priv, digest)
}

func (st Store) path(name string) string {
	return filepath.Join(st.Dir, name+".json")
}

// Generate creates and persists a new keypair for the named party.
// Fails if a key with the same name already exists.
func (st Store) Generate(name string, arbiter bool) (Signer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Signer{}, errors.New("name required")
	}
	if _, err := os.Stat(st.path(name)); err == nil {
		return Signer{}, fmt.Errorf("key %s already exists", name)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Signer{}, err
	}
	kf := keyFile{
		Name:      name,
		PubKey:    hex.EncodeToString(pub),
		PrivKey:   hex.EncodeToString(priv),
		Arbiter:   arbiter,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return Signer{}, err
	}
	if err := os.WriteFile(st.path(name), data, 0o600); err != nil {
		return Signer{}, err
	}
	return Signer{Name: name, Pub: pub, priv: priv, Arbiter: arbiter}, nil
}

// Load reads a keypair by party name.
func (st Store) Load(name string) (Signer, error) {
	data, err := os.ReadFile(st.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Signer{}, ErrKeyNotFound
		}
		return Signer{}, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return Signer{}, fmt.Errorf("key file %s: %w", name, err)
	}
	pub, err := hex.DecodeString(kf.PubKey)
	if err != nil {
		return Signer{}, fmt.Errorf("key file %s: %w", name, err)
	}
	priv, err := hex.DecodeString(kf.PrivKey)
	if err != nil {
		return Signer{}, fmt.Errorf("key file %s: %w", name, err)
	}
	return Signer{
		Name:    kf.Name,
		Pub:     ed25519.PublicKey(pub),
		priv:    ed25519.PrivateKey(priv),
		Arbiter: kf.Arbiter,
	}, nil
}

// List returns the names of stored keys.
func (st Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	return names, nil
}

// ByHash finds the stored signer whose identity hash matches.
func (st Store) ByHash(keyHash string) (Signer, error) {
	names, err := st.List()
	if err != nil {
		return Signer{}, err
	}
	for _, name := range names {
		s, err := st.Load(name)
		if err != nil {
			continue
		}
		if s.KeyHash() == keyHash {
			return s, nil
		}
	}
	return Signer{}, ErrKeyNotFound
}
