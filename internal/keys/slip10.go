package keys

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const hardened uint32 = 0x80000000

// EdSeed derives ed25519 keys per SLIP-10.
type EdSeed struct {
	key       [32]byte
	chainCode [32]byte
}

// NewEdSeed computes the SLIP-10 master node for seed.
func NewEdSeed(seed []byte) (*EdSeed, error) {
	if len(seed) < 16 || len(seed) > 64 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSeed, len(seed))
	}
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	return split(mac.Sum(nil)), nil
}

// ParseEdSeed reads a hex encoded seed.
func ParseEdSeed(s string) (*EdSeed, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return NewEdSeed(b)
}

func split(i []byte) *EdSeed {
	n := &EdSeed{}
	copy(n.key[:], i[:32])
	copy(n.chainCode[:], i[32:])
	return n
}

// Child returns the hardened child at index. Indexes are always hardened.
func (s *EdSeed) Child(index uint32) *EdSeed {
	data := make([]byte, 0, 37)
	data = append(data, 0x00)
	data = append(data, s.key[:]...)
	data = binary.BigEndian.AppendUint32(data, index|hardened)

	mac := hmac.New(sha512.New, s.chainCode[:])
	mac.Write(data)
	return split(mac.Sum(nil))
}

// Path derives a chain of hardened children.
func (s *EdSeed) Path(indexes ...uint32) *EdSeed {
	n := s
	for _, i := range indexes {
		n = n.Child(i)
	}
	return n
}

// PrivateKey returns the node as an ed25519 private key.
func (s *EdSeed) PrivateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(s.key[:])
}

// Account returns the key at m/44'/coin'/index'/0'.
func (s *EdSeed) Account(coin, index uint32) ed25519.PrivateKey {
	return s.Path(44, coin, index, 0).PrivateKey()
}
