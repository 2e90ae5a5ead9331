package agentflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentcourt/verdict/pkg/canonical"
)

// PaidResponse is the outcome of one paid provider call. Headers are
// lowercased. PaymentReference is the reference reported by the payment
// middleware, or a deterministic fallback when none was returned.
type PaidResponse struct {
	StatusCode       int
	Payload          map[string]any
	Headers          map[string]string
	PaymentReference string
}

// PaidClient calls payment-gated provider endpoints. The payment
// middleware is consumed purely over the wire: in mock mode the gate
// is satisfied with a marker header, otherwise an out-of-band payment
// session is expected to have settled before the call.
type PaidClient struct {
	consumerKey string
	network     string
	allowMock   bool
	client      *http.Client
}

// NewPaidClient builds a paid client signing as the consumer key.
func NewPaidClient(consumerKey string, allowMock bool) *PaidClient {
	network := os.Getenv("X402_NETWORK")
	if network == "" {
		network = "eip155:84532"
	}
	return &PaidClient{
		consumerKey: consumerKey,
		network:     network,
		allowMock:   allowMock,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Network reports the payment network identifier recorded in payment
// receipts.
func (c *PaidClient) Network() string { return c.network }

// Get performs one paid GET. A 402 response without mock mode is an
// error; everything else is returned to the caller with its payment
// reference resolved.
func (c *PaidClient) Get(ctx context.Context, url string) (PaidResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PaidResponse{}, err
	}
	if c.allowMock {
		req.Header.Set("x-mock-x402", "1")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return PaidResponse{}, fmt.Errorf("paid call %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PaidResponse{}, fmt.Errorf("paid call %s: read body: %w", url, err)
	}
	if resp.StatusCode == http.StatusPaymentRequired && !c.allowMock {
		return PaidResponse{}, fmt.Errorf("paid call %s: payment required; enable mock payment mode or settle a payment session first", url)
	}

	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return PaidResponse{}, fmt.Errorf("paid call %s: decode body: %w", url, err)
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}

	ref := headers["x402-payment-reference"]
	if ref == "" {
		ref = headers["x-payment-reference"]
	}
	if ref == "" {
		ref = c.fallbackReference(url, payload)
	}

	return PaidResponse{
		StatusCode:       resp.StatusCode,
		Payload:          payload,
		Headers:          headers,
		PaymentReference: ref,
	}, nil
}

// fallbackReference derives a stable reference when the middleware did
// not return one, so payment receipts always carry a usable key.
func (c *PaidClient) fallbackReference(url string, payload map[string]any) string {
	keyPrefix := c.consumerKey
	if len(keyPrefix) > 10 {
		keyPrefix = keyPrefix[:10]
	}
	encoded, err := canonical.Marshal(payload)
	if err != nil {
		encoded = []byte("{}")
	}
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", url, keyPrefix, encoded)))
	return "fallback-" + hex.EncodeToString(digest[:])
}
