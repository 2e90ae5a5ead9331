package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentcourt/verdict/pkg/canonical"
)

// KeccakHex returns the 0x-prefixed lowercase hex keccak-256 digest of
// data (66 characters).
func KeccakHex(data []byte) string {
	return "0x" + fmt.Sprintf("%x", crypto.Keccak256(data))
}

// HashCanonical hashes the canonical JSON bytes of v.
func HashCanonical(v any) (string, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return "", err
	}
	return KeccakHex(b), nil
}

// hashWithout hashes v's canonical JSON with the named top-level fields
// removed. Used by the content-addressing rules that exclude a
// document's own hash and signature fields.
func hashWithout(v any, skip ...string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("protocol: marshal for hashing: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("protocol: decode for hashing: %w", err)
	}
	for _, field := range skip {
		delete(doc, field)
	}
	return HashCanonical(doc)
}

// ClauseHash computes the content hash of a clause document, excluding
// the clauseHash field itself.
func ClauseHash(clause any) (string, error) {
	return hashWithout(clause, "clauseHash")
}

// ReceiptHash computes the content hash of a receipt document,
// excluding receiptHash and signature.
func ReceiptHash(receipt any) (string, error) {
	return hashWithout(receipt, "receiptHash", "signature")
}

// VerdictHash computes the content hash of a verdict document,
// excluding verdictHash and judgeSignature. Submission annotations
// (submitTxHash, processedAtMs) are written after the verdict is
// hashed, so they are excluded as well.
func VerdictHash(verdict any) (string, error) {
	return hashWithout(verdict, "verdictHash", "judgeSignature", "submitTxHash", "processedAtMs")
}
