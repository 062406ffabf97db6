// Package keys manages software key material: ed25519 keypairs imported
// from raw bytes or base58, and the encrypted keystore envelope used for
// storage at rest. A Keypair exclusively owns its private bytes; Zeroize
// wipes them and every signing call after that fails with ErrKeyUnavailable.
package keys

import (
	"crypto/ed25519"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pkg/errors"
)

const (
	// SeedSize is a raw private seed.
	SeedSize = ed25519.SeedSize
	// KeypairSize is the seed followed by the 32-byte public key, the layout
	// Solana CLI keypair files use.
	KeypairSize = ed25519.PrivateKeySize
)

var (
	// ErrKeyUnavailable reports signing with a locked or zeroized key.
	ErrKeyUnavailable = errors.New("keys: key unavailable")

	// ErrPublicKeyMismatch reports 64-byte key material whose embedded
	// public key does not match the one derived from the seed.
	ErrPublicKeyMismatch = errors.New("keys: public key does not match private key")

	// ErrInvalidKeyLength reports key material that is neither 32 nor 64 bytes.
	ErrInvalidKeyLength = errors.New("keys: invalid key length")
)

// Keypair holds a decrypted ed25519 signing key in memory.
type Keypair struct {
	mu   sync.RWMutex
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	name string
}

// FromBytes imports key material: either a 32-byte seed or a 64-byte
// seed-plus-public-key. For the 64-byte form the embedded public key is
// cross-checked against the one derived from the seed.
func FromBytes(material []byte, name string) (*Keypair, error) {
	switch len(material) {
	case SeedSize:
		priv := ed25519.NewKeyFromSeed(material)
		return &Keypair{
			priv: priv,
			pub:  priv.Public().(ed25519.PublicKey),
			name: name,
		}, nil
	case KeypairSize:
		priv := ed25519.NewKeyFromSeed(material[:SeedSize])
		pub := priv.Public().(ed25519.PublicKey)
		if !pub.Equal(ed25519.PublicKey(material[SeedSize:])) {
			return nil, ErrPublicKeyMismatch
		}
		return &Keypair{priv: priv, pub: pub, name: name}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidKeyLength, "%d bytes", len(material))
	}
}

// FromBase58 imports a base58-encoded seed or keypair, the format produced
// by Export and by Solana tooling.
func FromBase58(encoded, name string) (*Keypair, error) {
	material := base58.Decode(encoded)
	if len(material) == 0 {
		return nil, errors.New("keys: not valid base58")
	}
	return FromBytes(material, name)
}

// Generate creates a new random keypair.
func Generate(name string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	return &Keypair{priv: priv, pub: pub, name: name}, nil
}

// Name returns the display name given at import.
func (k *Keypair) Name() string {
	return k.name
}

// PublicKey returns the 32-byte public key. Valid even after Zeroize, since
// the public half is not secret.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append(ed25519.PublicKey(nil), k.pub...)
}

// Address returns the base58-encoded public key.
func (k *Keypair) Address() string {
	return base58.Encode(k.PublicKey())
}

// Sign produces the deterministic ed25519 signature over msg.
func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil, ErrKeyUnavailable
	}
	return ed25519.Sign(k.priv, msg), nil
}

// Export returns the base58-encoded 64-byte keypair (seed followed by public
// key), compatible with Solana CLI keypair files.
func (k *Keypair) Export() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return "", ErrKeyUnavailable
	}
	return base58.Encode(k.priv), nil
}

// bytes returns a copy of the raw 64-byte private key for the keystore.
func (k *Keypair) bytes() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil, ErrKeyUnavailable
	}
	return append([]byte(nil), k.priv...), nil
}

// Zeroize overwrites the private key bytes and detaches them. Safe to call
// more than once.
func (k *Keypair) Zeroize() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.priv {
		k.priv[i] = 0
	}
	k.priv = nil
}
