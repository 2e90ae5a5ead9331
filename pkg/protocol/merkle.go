package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// MerkleRoot computes the root over 0x-hex leaf hashes by hashing
// concatenated byte pairs level by level. An odd node at any level is
// paired with itself. Zero leaves yield the EmptyRoot sentinel; one
// leaf is its own root.
func MerkleRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return EmptyRoot, nil
	}

	level := make([][]byte, 0, len(leaves))
	for _, leaf := range leaves {
		b, err := hex.DecodeString(strings.TrimPrefix(leaf, "0x"))
		if err != nil {
			return "", fmt.Errorf("merkle: bad leaf %q: %w", leaf, err)
		}
		level = append(level, b)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, crypto.Keccak256(left, right))
		}
		level = next
	}

	return "0x" + hex.EncodeToString(level[0]), nil
}
