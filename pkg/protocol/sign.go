package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DIDPrefix is the decentralized identifier scheme used for actors.
const DIDPrefix = "did:8004:"

// DIDToAddress strips the did:8004: prefix and returns the EIP-55
// checksummed address.
func DIDToAddress(actorID string) (string, error) {
	if !strings.HasPrefix(actorID, DIDPrefix+"0x") {
		return "", fmt.Errorf("invalid did: expected %s0x...", DIDPrefix)
	}
	tail := strings.TrimPrefix(actorID, DIDPrefix)
	if len(tail) != 42 {
		return "", fmt.Errorf("invalid did: expected a 40-hex address")
	}
	if _, err := hex.DecodeString(tail[2:]); err != nil {
		return "", fmt.Errorf("invalid did: %w", err)
	}
	return common.HexToAddress(tail).Hex(), nil
}

// AddressToDID wraps a raw or checksummed address into DID form.
func AddressToDID(address string) string {
	if strings.HasPrefix(address, DIDPrefix) {
		return address
	}
	return DIDPrefix + common.HexToAddress(address).Hex()
}

// AddressFromKey derives the checksummed address for a hex-encoded
// secp256k1 private key.
func AddressFromKey(privateKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// SignHashEIP191 signs a 0x-hex digest with the EIP-191 personal
// message prefix over the raw digest bytes. The returned signature is
// 65 bytes of 0x hex with V in {27, 28}.
func SignHashEIP191(privateKeyHex, digestHex string) (string, error) {
	digest, err := decodeHex(digestHex)
	if err != nil {
		return "", fmt.Errorf("invalid digest: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	sig, err := crypto.Sign(accounts.TextHash(digest), key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSignerEIP191 recovers the checksummed signer address of an
// EIP-191 signature over the given digest.
func RecoverSignerEIP191(digestHex, signature string) (string, error) {
	digest, err := decodeHex(digestHex)
	if err != nil {
		return "", fmt.Errorf("invalid digest: %w", err)
	}
	sig, err := decodeHex(signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(digest), normalized)
	if err != nil {
		return "", fmt.Errorf("recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifySignatureEIP191 reports whether the signature over digestHex
// recovers to expectedAddress. Comparison is checksum-aware.
func VerifySignatureEIP191(digestHex, signature, expectedAddress string) bool {
	recovered, err := RecoverSignerEIP191(digestHex, signature)
	if err != nil {
		return false
	}
	return recovered == common.HexToAddress(expectedAddress).Hex()
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
