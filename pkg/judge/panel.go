package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/protocol"
)

// Completer is the LLM surface the panel needs: one prompt in, one
// text completion out.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

const anthropicAPIURL = "https://api.anthropic.com/v1/messages"

// AnthropicClient calls the Anthropic messages API.
type AnthropicClient struct {
	apiKey  string
	timeout time.Duration
}

// NewAnthropicClient builds a client with the given key and request
// timeout.
func NewAnthropicClient(apiKey string, timeout time.Duration) *AnthropicClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicClient{apiKey: apiKey, timeout: timeout}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *AnthropicClient) Complete(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: 600,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", anthropicAPIURL, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("anthropic error: %d", resp.StatusCode)
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// Ruling is the AI panel's decision. Winner is "plaintiff",
// "defendant", or empty when the panel could not decide.
type Ruling struct {
	ReasonCodes []string
	Winner      string
	Confidence  float64
	FullOpinion string
}

// Panel routes cases to a model by escalation tier and parses the
// model's strict-JSON ruling.
type Panel struct {
	client Completer
	cfg    config.LLM
}

// NewPanel wires the AI panel. A nil client disables it; cases then
// resolve as insufficient signal.
func NewPanel(client Completer, cfg config.LLM) *Panel {
	return &Panel{client: client, cfg: cfg}
}

// ModelForTier maps a court tier to the configured model.
func (p *Panel) ModelForTier(tier int) string {
	switch protocol.TierName(tier) {
	case "appeals":
		return p.cfg.ModelAppeals
	case "supreme":
		return p.cfg.ModelSupreme
	default:
		return p.cfg.ModelDistrict
	}
}

// Judge asks the tier's model to resolve a case the deterministic rules
// could not decide. Escalated tiers carry the lower-court rulings in
// the prompt. It never fails: parse and transport errors degrade to a
// low-confidence llm_parse_error ruling.
func (p *Panel) Judge(ctx context.Context, tier int, clause protocol.ArbitrationClause, facts map[string]any, evidenceSummary map[string]any, priorRulings []map[string]any) Ruling {
	if p.client == nil {
		return Ruling{ReasonCodes: []string{ReasonInsufficient}, Confidence: 0.5}
	}

	body := map[string]any{
		"instruction": "Resolve dispute using clause/facts. Return strict JSON.",
		"clause":      clause,
		"facts":       facts,
		"evidence":    evidenceSummary,
		"output": map[string]any{
			"reasonCodes": []string{"string"},
			"winner":      "plaintiff|defendant|null",
			"confidence":  "float_0_to_1",
		},
	}
	if len(priorRulings) > 0 {
		body["priorRulings"] = priorRulings
	}
	prompt, err := json.Marshal(body)
	if err != nil {
		return Ruling{ReasonCodes: []string{ReasonLLMParseFailure}, Confidence: 0.45}
	}

	raw, err := p.client.Complete(ctx, p.ModelForTier(tier), string(prompt))
	if err != nil {
		return Ruling{ReasonCodes: []string{ReasonLLMParseFailure}, Confidence: 0.45}
	}

	ruling, ok := parseRuling(raw)
	if !ok {
		return Ruling{ReasonCodes: []string{ReasonLLMParseFailure}, Confidence: 0.45, FullOpinion: strings.TrimSpace(raw)}
	}
	ruling.FullOpinion = strings.TrimSpace(raw)
	return ruling
}

// parseRuling scans the completion for balanced JSON objects and takes
// the first one carrying a valid ruling shape.
func parseRuling(raw string) (Ruling, bool) {
	text := strings.TrimSpace(raw)
	for _, candidate := range jsonCandidates(text) {
		var payload struct {
			ReasonCodes []string `json:"reasonCodes"`
			Winner      *string  `json:"winner"`
			Confidence  *float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			continue
		}
		if payload.Winner == nil && payload.Confidence == nil && payload.ReasonCodes == nil {
			continue
		}
		ruling := Ruling{ReasonCodes: payload.ReasonCodes, Confidence: 0.5}
		if payload.Confidence != nil {
			ruling.Confidence = *payload.Confidence
		}
		if payload.Winner != nil {
			switch *payload.Winner {
			case SidePlaintiff, SideDefendant:
				ruling.Winner = *payload.Winner
			}
		}
		return ruling, true
	}
	return Ruling{}, false
}

func jsonCandidates(text string) []string {
	var candidates []string
	depth := 0
	start := -1
	for i, ch := range text {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidates = append(candidates, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}
