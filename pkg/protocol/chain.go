package protocol

import (
	"fmt"
	"sort"
)

// ChainExpectations pins the header fields that must be constant for
// every receipt in an agreement. Zero values disable the corresponding
// check.
type ChainExpectations struct {
	ChainID         int64
	ContractAddress string
	AgreementID     string
	ClauseHash      string
}

// VerifyReceiptChain checks an agreement's receipts as one hash chain:
// contiguous sequences from 0, constant header fields, recomputed
// content hashes, prevHash linkage, and actor signatures. It returns
// the accumulated error list; the chain is valid iff the list is empty.
func VerifyReceiptChain(receipts []EventReceipt, expected ChainExpectations) []string {
	var errs []string

	ordered := make([]EventReceipt, len(receipts))
	copy(ordered, receipts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	for idx, r := range ordered {
		if r.Sequence != int64(idx) {
			errs = append(errs, fmt.Sprintf("sequence mismatch at index=%d: got %d", idx, r.Sequence))
		}

		if expected.ChainID != 0 && r.ChainID != expected.ChainID {
			errs = append(errs, fmt.Sprintf("receipt %s has wrong chainId", r.ReceiptID))
		}
		if expected.ContractAddress != "" && r.ContractAddress != expected.ContractAddress {
			errs = append(errs, fmt.Sprintf("receipt %s has wrong contractAddress", r.ReceiptID))
		}
		if expected.AgreementID != "" && r.AgreementID != expected.AgreementID {
			errs = append(errs, fmt.Sprintf("receipt %s has wrong agreementId", r.ReceiptID))
		}
		if expected.ClauseHash != "" && r.ClauseHash != expected.ClauseHash {
			errs = append(errs, fmt.Sprintf("receipt %s has wrong clauseHash", r.ReceiptID))
		}

		computed, err := ReceiptHash(r)
		if err != nil {
			errs = append(errs, fmt.Sprintf("receipt hash computation failed for %s: %v", r.ReceiptID, err))
		} else if computed != r.ReceiptHash {
			errs = append(errs, fmt.Sprintf("receipt hash mismatch for %s", r.ReceiptID))
		}

		if idx == 0 {
			if r.PrevHash != EmptyRoot {
				errs = append(errs, "first receipt prevHash must be 0x0")
			}
		} else if r.PrevHash != ordered[idx-1].ReceiptHash {
			errs = append(errs, fmt.Sprintf("prevHash mismatch for %s", r.ReceiptID))
		}

		signer, err := DIDToAddress(r.ActorID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("signature verification failed for %s: %v", r.ReceiptID, err))
		} else if !VerifySignatureEIP191(r.ReceiptHash, r.Signature, signer) {
			errs = append(errs, fmt.Sprintf("signature mismatch for %s", r.ReceiptID))
		}
	}

	return errs
}

// AnchorRoot computes the Merkle root over receipt hashes in sequence
// order.
func AnchorRoot(receipts []EventReceipt) (string, error) {
	ordered := make([]EventReceipt, len(receipts))
	copy(ordered, receipts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	leaves := make([]string, 0, len(ordered))
	for _, r := range ordered {
		leaves = append(leaves, r.ReceiptHash)
	}
	return MerkleRoot(leaves)
}

// VerifyAnchor reports whether expectedRoot matches the recomputed
// Merkle root over the receipts. A mismatch is returned as an error
// message in the same accumulated-list shape as VerifyReceiptChain.
func VerifyAnchor(receipts []EventReceipt, expectedRoot string) []string {
	computed, err := AnchorRoot(receipts)
	if err != nil {
		return []string{fmt.Sprintf("anchor root computation failed: %v", err)}
	}
	if computed != expectedRoot {
		return []string{fmt.Sprintf("anchor root mismatch expected=%s computed=%s", expectedRoot, computed)}
	}
	return nil
}

// VerifyEvidenceBundle runs the full judge-side integrity check: chain
// verification plus anchor root comparison.
func VerifyEvidenceBundle(receipts []EventReceipt, expected ChainExpectations, expectedRoot string) []string {
	errs := VerifyReceiptChain(receipts, expected)
	errs = append(errs, VerifyAnchor(receipts, expectedRoot)...)
	return errs
}
