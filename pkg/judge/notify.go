package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentcourt/verdict/pkg/protocol"
)

// Notifier delivers best-effort verdict notifications: a webhook text
// message plus an optional push of the full verdict to a public
// verdict API. Failures are logged and never block the pipeline.
type Notifier struct {
	webhookURL    string
	verdictAPIURL string
	client        *http.Client
	logger        *slog.Logger
}

// NewNotifier wires the notifier. Empty URLs disable the corresponding
// channel.
func NewNotifier(webhookURL, verdictAPIURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		webhookURL:    webhookURL,
		verdictAPIURL: verdictAPIURL,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// NotifyVerdict pushes the verdict and a summary line to the configured
// channels.
func (n *Notifier) NotifyVerdict(ctx context.Context, verdict protocol.VerdictPackage, summary string) {
	if n.verdictAPIURL != "" {
		n.post(ctx, n.verdictAPIURL+"/api/verdicts", verdict)
	}
	if n.webhookURL != "" {
		n.post(ctx, n.webhookURL, map[string]string{"text": summary})
	}
}

func (n *Notifier) post(ctx context.Context, rawURL string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		n.logger.Warn("notify marshal failed", "url", rawURL, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, "POST", rawURL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warn("notify request failed", "url", rawURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notify delivery failed", "url", rawURL, "error", err)
		return
	}
	_ = resp.Body.Close()
}
