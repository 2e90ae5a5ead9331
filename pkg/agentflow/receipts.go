package agentflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentcourt/verdict/pkg/protocol"
)

// ReceiptClient talks to the evidence service on behalf of an agent.
// Anchoring waits on a chain confirmation, so it gets a longer timeout
// than plain document posts.
type ReceiptClient struct {
	baseURL      string
	client       *http.Client
	anchorClient *http.Client
}

// NewReceiptClient builds a client for the evidence service at
// evidenceURL.
func NewReceiptClient(evidenceURL string) *ReceiptClient {
	return &ReceiptClient{
		baseURL:      strings.TrimRight(evidenceURL, "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
		anchorClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// PostClause stores a clause.
func (c *ReceiptClient) PostClause(ctx context.Context, clause protocol.ArbitrationClause) error {
	_, err := c.postJSON(ctx, c.client, c.baseURL+"/clauses", clause)
	return err
}

// PostReceipt stores a receipt.
func (c *ReceiptClient) PostReceipt(ctx context.Context, receipt protocol.EventReceipt) error {
	_, err := c.postJSON(ctx, c.client, c.baseURL+"/receipts", receipt)
	return err
}

// Anchor commits the agreement's evidence root on chain and returns
// the anchor record.
func (c *ReceiptClient) Anchor(ctx context.Context, agreementID string) (map[string]any, error) {
	return c.postJSON(ctx, c.anchorClient, c.baseURL+"/anchor", map[string]any{"agreementId": agreementID})
}

func (c *ReceiptClient) postJSON(ctx context.Context, client *http.Client, url string, body any) (map[string]any, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("post %s: read response: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("post %s: decode response: %w", url, err)
		}
	}
	return out, nil
}
