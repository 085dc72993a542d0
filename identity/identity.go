// Package identity manages the durable cryptographic identity of a peerlink
// node.
//
// An identity is a Curve25519 key pair plus the node id derived from the
// public key. The id is what remote peers store in their routing tables, so
// once written it never changes: loading an existing file never regenerates
// any field, and a damaged file is reported rather than silently replaced.
//
// Example:
//
//	id, err := identity.LoadOrCreate(filepath.Join(dataDir, "identity.json"))
//	if errors.Is(err, identity.ErrIdentityCorrupt) {
//	    log.Fatal("identity file damaged: ", err)
//	}
//	fmt.Println("node id:", id.ID)
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/peerlink/dht"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of Curve25519 public and private keys.
const KeySize = curve25519.ScalarSize

// Identity is the persisted key pair and derived id of the local node.
type Identity struct {
	ID         dht.NodeID
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
	CreatedAt  time.Time
}

// fileFormat is the on-disk JSON representation.
type fileFormat struct {
	ID         string `json:"id"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	CreatedAt  string `json:"createdAt"`
}

// DeriveID returns the node id for a public key: the 160-bit BLAKE2b digest.
func DeriveID(pub []byte) dht.NodeID {
	h, err := blake2b.New(dht.IDLength, nil)
	if err != nil {
		// Only fails for sizes outside 1..64 or oversized keys.
		panic(err)
	}
	h.Write(pub)

	var id dht.NodeID
	copy(id[:], h.Sum(nil))
	return id
}

// Generate creates a fresh identity with a random key pair.
func Generate() (*Identity, error) {
	var priv [KeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	id := &Identity{
		PrivateKey: priv,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	copy(id.PublicKey[:], pub)
	id.ID = DeriveID(id.PublicKey[:])
	return id, nil
}

// NoiseKey returns the key pair in the form the Noise handshake expects.
func (id *Identity) NoiseKey() noise.DHKey {
	return noise.DHKey{
		Private: append([]byte(nil), id.PrivateKey[:]...),
		Public:  append([]byte(nil), id.PublicKey[:]...),
	}
}

// Verify checks that the public key matches the private key and that the id
// matches the public key.
func (id *Identity) Verify() error {
	pub, err := curve25519.X25519(id.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}
	if subtle.ConstantTimeCompare(pub, id.PublicKey[:]) != 1 {
		return errors.New("public key does not match private key")
	}
	if DeriveID(id.PublicKey[:]) != id.ID {
		return errors.New("id does not match public key")
	}
	return nil
}

// Save writes the identity to path atomically with owner-only permissions.
func Save(path string, id *Identity) error {
	rec := fileFormat{
		ID:         id.ID.String(),
		PublicKey:  base64.StdEncoding.EncodeToString(id.PublicKey[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(id.PrivateKey[:]),
		CreatedAt:  id.CreatedAt.UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temporary identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename identity file: %w", err)
	}
	return nil
}

// Load reads an identity from path. Any parse or consistency failure is
// returned as a *CorruptError. A missing file is returned unwrapped so callers
// can test it with os.ErrNotExist.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec fileFormat
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptError{Path: path, Reason: "unparseable", Err: err}
	}
	if rec.ID == "" || rec.PublicKey == "" || rec.PrivateKey == "" || rec.CreatedAt == "" {
		return nil, &CorruptError{Path: path, Reason: "missing required field"}
	}

	id := &Identity{}
	if id.ID, err = dht.ParseNodeID(rec.ID); err != nil {
		return nil, &CorruptError{Path: path, Reason: "bad id", Err: err}
	}
	if err := decodeKey(rec.PublicKey, &id.PublicKey); err != nil {
		return nil, &CorruptError{Path: path, Reason: "bad public key", Err: err}
	}
	if err := decodeKey(rec.PrivateKey, &id.PrivateKey); err != nil {
		return nil, &CorruptError{Path: path, Reason: "bad private key", Err: err}
	}
	if id.CreatedAt, err = time.Parse(time.RFC3339, rec.CreatedAt); err != nil {
		return nil, &CorruptError{Path: path, Reason: "bad createdAt", Err: err}
	}
	if err := id.Verify(); err != nil {
		return nil, &CorruptError{Path: path, Reason: "inconsistent keys", Err: err}
	}
	return id, nil
}

func decodeKey(s string, dst *[KeySize]byte) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != KeySize {
		return fmt.Errorf("key length %d, want %d", len(raw), KeySize)
	}
	copy(dst[:], raw)
	return nil
}

// LoadOrCreate loads the identity at path, generating and persisting a new one
// only when no file exists. A damaged file yields a *CorruptError and is left
// in place for the caller to decide.
func LoadOrCreate(path string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrCreate",
			"path":     path,
			"id":       id.ID.Short(),
		}).Debug("Loaded existing identity")
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(path, id); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOrCreate",
		"path":     path,
		"id":       id.ID.Short(),
	}).Info("Generated new node identity")
	return id, nil
}

// Regenerate moves a damaged identity file aside as <path>.corrupt-<unix> and
// creates a brand-new identity with a new id. Callers opt into this
// explicitly; the old id is not reused.
func Regenerate(path string) (*Identity, error) {
	quarantine := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, quarantine); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("quarantine identity file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(path, id); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Regenerate",
		"path":       path,
		"quarantine": quarantine,
		"id":         id.ID.Short(),
	}).Warn("Replaced corrupt identity with a new one")
	return id, nil
}
