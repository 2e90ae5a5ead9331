package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Identity is a signing actor: a private key with its derived address
// and DID. Built once per agent from configuration.
type Identity struct {
	PrivateKey string
	Address    string
	DID        string
}

// IdentityFromKey derives the address and DID for a hex private key.
func IdentityFromKey(privateKeyHex string) (Identity, error) {
	addr, err := AddressFromKey(privateKeyHex)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PrivateKey: privateKeyHex, Address: addr, DID: AddressToDID(addr)}, nil
}

// ClauseParams carries the per-agreement fields for BuildClause.
type ClauseParams struct {
	AgreementID       string
	ChainID           int64
	ContractAddress   string
	ServiceScope      string
	SLARules          []Rule
	AbuseRules        []Rule
	RemedyRules       []RemedyRule
	DisputeWindowSec  int64
	EvidenceWindowSec int64
	JudgeFeePercent   float64
}

// BuildClause assembles a content-addressed clause and fills in its
// hash.
func BuildClause(p ClauseParams) (ArbitrationClause, error) {
	clause := ArbitrationClause{
		SchemaVersion:     SchemaVersion,
		ClauseID:          uuid.NewString(),
		ChainID:           p.ChainID,
		ContractAddress:   p.ContractAddress,
		AgreementID:       p.AgreementID,
		ServiceScope:      p.ServiceScope,
		SLARules:          p.SLARules,
		AbuseRules:        p.AbuseRules,
		DisputeWindowSec:  p.DisputeWindowSec,
		EvidenceWindowSec: p.EvidenceWindowSec,
		RemedyRules:       p.RemedyRules,
		JudgeFeePercent:   p.JudgeFeePercent,
	}
	if clause.SLARules == nil {
		clause.SLARules = []Rule{}
	}
	if clause.AbuseRules == nil {
		clause.AbuseRules = []Rule{}
	}
	if clause.RemedyRules == nil {
		clause.RemedyRules = []RemedyRule{}
	}
	hash, err := ClauseHash(clause)
	if err != nil {
		return ArbitrationClause{}, fmt.Errorf("build clause: %w", err)
	}
	clause.ClauseHash = hash
	return clause, nil
}

// ReceiptParams carries the fields for BuildReceipt. Metadata may be
// nil.
type ReceiptParams struct {
	ChainID         int64
	ContractAddress string
	AgreementID     string
	ClauseHash      string
	Sequence        int64
	Actor           Identity
	Counterparty    Identity
	EventType       string
	Timestamp       int64
	RequestID       string
	Payload         any
	PrevHash        string
	Metadata        map[string]any
}

// BuildReceipt assembles a receipt, hashes it, and signs the hash with
// the actor's key.
func BuildReceipt(p ReceiptParams) (EventReceipt, error) {
	payloadHash, err := HashCanonical(p.Payload)
	if err != nil {
		return EventReceipt{}, fmt.Errorf("build receipt: payload hash: %w", err)
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	receipt := EventReceipt{
		SchemaVersion:   SchemaVersion,
		ReceiptID:       uuid.NewString(),
		ChainID:         p.ChainID,
		ContractAddress: p.ContractAddress,
		AgreementID:     p.AgreementID,
		ClauseHash:      p.ClauseHash,
		Sequence:        p.Sequence,
		EventType:       p.EventType,
		Timestamp:       p.Timestamp,
		ActorID:         p.Actor.DID,
		CounterpartyID:  p.Counterparty.DID,
		RequestID:       p.RequestID,
		PayloadHash:     payloadHash,
		PrevHash:        p.PrevHash,
		Metadata:        metadata,
	}
	hash, err := ReceiptHash(receipt)
	if err != nil {
		return EventReceipt{}, fmt.Errorf("build receipt: %w", err)
	}
	receipt.ReceiptHash = hash
	sig, err := SignHashEIP191(p.Actor.PrivateKey, hash)
	if err != nil {
		return EventReceipt{}, fmt.Errorf("build receipt: sign: %w", err)
	}
	receipt.Signature = sig
	return receipt, nil
}
