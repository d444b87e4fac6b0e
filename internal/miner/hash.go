package miner

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Algo names the hash function applied to seed||nonce
type Algo string

const (
	// AlgoSHA256 is a single SHA-256 pass (the default)
	AlgoSHA256 Algo = "sha256"
	// AlgoSHA256d is SHA-256 applied twice, as Bitcoin does
	AlgoSHA256d Algo = "sha256d"
)

// Hasher digests a candidate
type Hasher func(b []byte) chainhash.Hash

// HasherFor returns the hasher for algo
func HasherFor(algo Algo) (Hasher, error) {
	switch algo {
	case AlgoSHA256, "":
		return chainhash.HashH, nil
	case AlgoSHA256d:
		return chainhash.DoubleHashH, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgo, algo)
	}
}

// appendCandidate appends the decimal nonce to a buffer holding the seed
func appendCandidate(seed []byte, nonce uint64) []byte {
	return strconv.AppendUint(seed, nonce, 10)
}

// meetsDifficulty reports whether the lowercase hex form of sum starts with
// difficulty '0' digits. Each byte is two hex digits, high nibble first.
func meetsDifficulty(sum *chainhash.Hash, difficulty int) bool {
	full := difficulty / 2
	for i := 0; i < full; i++ {
		if sum[i] != 0 {
			return false
		}
	}
	if difficulty%2 == 1 {
		return sum[full]>>4 == 0
	}
	return true
}

// digestHex encodes in digest order. chainhash.Hash.String reverses bytes
// for display, which is not what a prefix target is compared against.
func digestHex(sum *chainhash.Hash) string {
	return hex.EncodeToString(sum[:])
}

// HashCandidate returns hex(H(seed || decimal(nonce)))
func HashCandidate(algo Algo, seed string, nonce uint64) (string, error) {
	hasher, err := HasherFor(algo)
	if err != nil {
		return "", err
	}
	sum := hasher(appendCandidate([]byte(seed), nonce))
	return digestHex(&sum), nil
}
