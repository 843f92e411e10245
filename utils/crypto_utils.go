package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// GetPrivateKey decodes a 32-byte secp256k1 private key from a byte slice. Only slices between lengths 1 and 32
// (inclusive) are valid; shorter slices are treated as left-padded with zeroes.
func GetPrivateKey(b []byte) (*secp256k1.PrivateKey, error) {
	if len(b) < 1 || len(b) > 32 {
		return nil, errors.New("invalid private key")
	}

	paddedPrivateKey := make([]byte, 32)
	copy(paddedPrivateKey[32-len(b):], b)

	privateKey := secp256k1.PrivKeyFromBytes(paddedPrivateKey)
	return privateKey, nil
}

// NewPrivateKey generates a fresh random secp256k1 private key.
func NewPrivateKey() (*secp256k1.PrivateKey, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	return secp256k1.PrivKeyFromBytes(buf[:]), nil
}

// AddressFromPrivateKey derives the Ethereum-style address ("0x" + 40 hex characters) for a secp256k1 private key:
// the last 20 bytes of the Keccak-256 hash of the uncompressed public key's X and Y coordinates.
func AddressFromPrivateKey(priv *secp256k1.PrivateKey) string {
	return AddressFromPublicKey(priv.PubKey())
}

// AddressFromPublicKey derives the Ethereum-style address for a secp256k1 public key.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	// SerializeUncompressed returns a 65-byte encoding: a 0x04 prefix followed by the 32-byte X and Y coordinates.
	// Ethereum addressing hashes only the 64-byte X||Y portion.
	uncompressed := pub.SerializeUncompressed()

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(uncompressed[1:])
	digest := hasher.Sum(nil)

	return "0x" + hex.EncodeToString(digest[len(digest)-20:])
}

// PrivateKeyToHex renders a private key as a 64 hex character string, with no "0x" prefix, as spec.md §3 requires
// for Account.PrivKey.
func PrivateKeyToHex(priv *secp256k1.PrivateKey) string {
	return hex.EncodeToString(priv.Serialize())
}
