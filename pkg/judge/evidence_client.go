package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/agentcourt/verdict/pkg/protocol"
)

// EvidenceBundle is the full case record fetched from the evidence
// service for one anchored root.
type EvidenceBundle struct {
	AgreementID string
	Anchor      protocol.AnchorRecord
	Clause      protocol.ArbitrationClause
	Receipts    []protocol.EventReceipt
}

// EvidenceClient fetches case records from the evidence service.
type EvidenceClient struct {
	baseURL string
	client  *http.Client
}

// NewEvidenceClient builds a client for the evidence service at
// baseURL.
func NewEvidenceClient(baseURL string) *EvidenceClient {
	return &EvidenceClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchBundleByRoot resolves an anchored root hash to its agreement,
// clause, and ordered receipt log. A missing anchor returns (nil, nil)
// so the caller can retry on the next poll.
func (c *EvidenceClient) FetchBundleByRoot(ctx context.Context, rootHash string) (*EvidenceBundle, error) {
	var anchor protocol.AnchorRecord
	found, err := c.getJSON(ctx, c.baseURL+"/anchors/by-root/"+url.PathEscape(rootHash), &anchor)
	if err != nil || !found {
		return nil, err
	}

	var clause protocol.ArbitrationClause
	found, err = c.getJSON(ctx, c.baseURL+"/clauses/"+url.PathEscape(anchor.AgreementID), &clause)
	if err != nil || !found {
		return nil, err
	}

	var receiptList struct {
		Items []protocol.EventReceipt `json:"items"`
	}
	found, err = c.getJSON(ctx, c.baseURL+"/receipts?agreementId="+url.QueryEscape(anchor.AgreementID), &receiptList)
	if err != nil || !found {
		return nil, err
	}

	return &EvidenceBundle{
		AgreementID: anchor.AgreementID,
		Anchor:      anchor,
		Clause:      clause,
		Receipts:    receiptList.Items,
	}, nil
}

func (c *EvidenceClient) getJSON(ctx context.Context, rawURL string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("evidence fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("evidence decode %s: %w", rawURL, err)
	}
	return true, nil
}
