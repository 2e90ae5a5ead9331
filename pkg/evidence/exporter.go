package evidence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentcourt/verdict/pkg/protocol"
)

// ExportBundle is a sealed, portable package of one agreement's
// evidence: the clause, every receipt in sequence order, and the
// anchor record when present. The bundle hash covers the artifact
// names and hashes; the signature is EIP-191 over the bundle hash.
type ExportBundle struct {
	BundleID      string           `json:"bundleId"`
	AgreementID   string           `json:"agreementId"`
	ExportedAtMs  int64            `json:"exportedAtMs"`
	Artifacts     []ExportArtifact `json:"artifacts"`
	BundleHash    string           `json:"bundleHash"`
	SignerAddress string           `json:"signerAddress"`
	Signature     string           `json:"signature"`
}

// ExportArtifact is one named document inside a bundle.
type ExportArtifact struct {
	Name    string `json:"name"`
	Content any    `json:"content"`
	Hash    string `json:"hash"`
}

// Exporter seals agreement evidence into signed bundles.
type Exporter struct {
	identity protocol.Identity
}

// NewExporter builds an exporter signing with privateKey. Export fails
// closed when no key is configured.
func NewExporter(privateKey string) (*Exporter, error) {
	if privateKey == "" {
		return &Exporter{}, nil
	}
	identity, err := protocol.IdentityFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("evidence export: signing key: %w", err)
	}
	return &Exporter{identity: identity}, nil
}

// Export seals the agreement's documents into a signed bundle. The
// anchor may be nil when the agreement has not been anchored yet.
func (e *Exporter) Export(agreementID string, clause *protocol.ArbitrationClause, receipts []protocol.EventReceipt, anchor *protocol.AnchorRecord) (*ExportBundle, error) {
	if e.identity.PrivateKey == "" {
		return nil, errors.New("evidence export: signing key not configured")
	}

	bundle := &ExportBundle{
		BundleID:      uuid.NewString(),
		AgreementID:   agreementID,
		ExportedAtMs:  time.Now().UnixMilli(),
		SignerAddress: e.identity.Address,
	}

	add := func(name string, content any) error {
		hash, err := protocol.HashCanonical(content)
		if err != nil {
			return fmt.Errorf("evidence export: hash %s: %w", name, err)
		}
		bundle.Artifacts = append(bundle.Artifacts, ExportArtifact{Name: name, Content: content, Hash: hash})
		return nil
	}

	if clause != nil {
		if err := add("clause", clause); err != nil {
			return nil, err
		}
	}
	for _, receipt := range receipts {
		if err := add(fmt.Sprintf("receipt_%04d", receipt.Sequence), receipt); err != nil {
			return nil, err
		}
	}
	if anchor != nil {
		if err := add("anchor", anchor); err != nil {
			return nil, err
		}
	}

	if err := e.seal(bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// seal orders the artifacts, derives the bundle hash over their names
// and hashes, and signs it.
func (e *Exporter) seal(bundle *ExportBundle) error {
	sort.Slice(bundle.Artifacts, func(i, j int) bool {
		return bundle.Artifacts[i].Name < bundle.Artifacts[j].Name
	})

	manifest := make([]map[string]any, 0, len(bundle.Artifacts))
	for _, artifact := range bundle.Artifacts {
		manifest = append(manifest, map[string]any{"name": artifact.Name, "hash": artifact.Hash})
	}
	hash, err := protocol.HashCanonical(map[string]any{
		"bundleId":    bundle.BundleID,
		"agreementId": bundle.AgreementID,
		"artifacts":   manifest,
	})
	if err != nil {
		return fmt.Errorf("evidence export: seal: %w", err)
	}
	bundle.BundleHash = hash

	sig, err := protocol.SignHashEIP191(e.identity.PrivateKey, hash)
	if err != nil {
		return fmt.Errorf("evidence export: sign: %w", err)
	}
	bundle.Signature = sig
	return nil
}
