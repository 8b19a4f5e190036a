// Package keys derives per-index child keys for deposit addresses.
//
// secp256k1 chains (BTC, BCH, ETH, POL) use BIP32 extended keys. An extended
// public key is enough to derive deposit addresses; signing needs the
// extended private key. ed25519 chains (SOL) use SLIP-10, which only defines
// hardened derivation, so they are always configured from a seed.
package keys

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	ErrPublicOnly  = errors.New("keys: extended key has no private part")
	ErrIndexRange  = errors.New("keys: index out of non-hardened range")
	ErrInvalidKey  = errors.New("keys: invalid extended key")
	ErrInvalidSeed = errors.New("keys: invalid seed")
)

// HDKey is a BIP32 extended key. Children are derived non-hardened so the
// public half alone yields the same addresses.
type HDKey struct {
	ext *hdkeychain.ExtendedKey
}

// ParseHDKey parses a base58 xpub or xprv.
func ParseHDKey(s string) (*HDKey, error) {
	ext, err := hdkeychain.NewKeyFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &HDKey{ext: ext}, nil
}

// NewHDKeyFromSeed derives the BIP32 master key for seed.
func NewHDKeyFromSeed(seed []byte) (*HDKey, error) {
	ext, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return &HDKey{ext: ext}, nil
}

// CanSign reports whether private children can be derived.
func (k *HDKey) CanSign() bool { return k.ext.IsPrivate() }

// Neuter returns the public-only counterpart.
func (k *HDKey) Neuter() (*HDKey, error) {
	pub, err := k.ext.Neuter()
	if err != nil {
		return nil, err
	}
	return &HDKey{ext: pub}, nil
}

// String is the base58 serialization.
func (k *HDKey) String() string { return k.ext.String() }

func (k *HDKey) child(index uint32) (*hdkeychain.ExtendedKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, ErrIndexRange
	}
	return k.ext.Derive(index)
}

// Public derives the child public key at index.
func (k *HDKey) Public(index uint32) (*btcec.PublicKey, error) {
	c, err := k.child(index)
	if err != nil {
		return nil, err
	}
	return c.ECPubKey()
}

// Private derives the child private key at index.
func (k *HDKey) Private(index uint32) (*btcec.PrivateKey, error) {
	if !k.ext.IsPrivate() {
		return nil, ErrPublicOnly
	}
	c, err := k.child(index)
	if err != nil {
		return nil, err
	}
	return c.ECPrivKey()
}
