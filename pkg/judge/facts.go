package judge

import (
	"github.com/agentcourt/verdict/pkg/protocol"
)

// Reason codes produced by deterministic rule evaluation.
const (
	ReasonLatencyBreach   = "sla_breach:latency"
	ReasonRateLimit       = "clause_violated:rate_limit"
	ReasonHashMismatch    = "hash_mismatch"
	ReasonInsufficient    = "insufficient_signal"
	ReasonLLMParseFailure = "llm_parse_error"
)

// Winner sides returned by deterministic evaluation and the AI panel.
const (
	SidePlaintiff = "plaintiff"
	SideDefendant = "defendant"
)

// ExtractFacts derives the measurable facts of an agreement's receipt
// log and evaluates the clause's SLA and abuse rules against them. The
// returned winner is the side the deterministic rules decide for, or
// empty when the rules alone cannot decide.
func ExtractFacts(clause protocol.ArbitrationClause, receipts []protocol.EventReceipt) (map[string]any, []string, string) {
	requestTimes := map[string]int64{}
	responseTimes := map[string]int64{}
	responseFormatOK := true

	for _, receipt := range receipts {
		switch receipt.EventType {
		case protocol.EventRequest:
			requestTimes[receipt.RequestID] = receipt.Timestamp
		case protocol.EventResponse:
			responseTimes[receipt.RequestID] = receipt.Timestamp
			if resultType, ok := receipt.Metadata["result_type"].(string); ok && resultType == "bad_format" {
				responseFormatOK = false
			}
		}
	}

	var maxLatency int64
	for requestID, requestTS := range requestTimes {
		responseTS, ok := responseTimes[requestID]
		if !ok {
			continue
		}
		latency := responseTS - requestTS
		if latency < 0 {
			latency = 0
		}
		if latency > maxLatency {
			maxLatency = latency
		}
	}

	byMinute := map[int64]int{}
	for _, receipt := range receipts {
		if receipt.EventType == protocol.EventRequest {
			byMinute[receipt.Timestamp/60000]++
		}
	}
	var peakRPM int
	for _, count := range byMinute {
		if count > peakRPM {
			peakRPM = count
		}
	}

	facts := map[string]any{
		"latency_ms":               maxLatency,
		"response_format_ok":       responseFormatOK,
		"peak_requests_per_minute": peakRPM,
		"request_count":            len(requestTimes),
		"response_count":           len(responseTimes),
	}

	var reasonCodes []string
	for _, rule := range clause.SLARules {
		if rule.Metric == "latency_ms" && rule.Operator == "<=" && float64(maxLatency) > rule.Value {
			reasonCodes = append(reasonCodes, ReasonLatencyBreach)
		}
	}
	for _, rule := range clause.AbuseRules {
		if rule.Metric == "requests_per_minute" && rule.Operator == "<=" && float64(peakRPM) > rule.Value {
			reasonCodes = append(reasonCodes, ReasonRateLimit)
		}
	}

	winner := ""
	if len(reasonCodes) > 0 {
		winner = SidePlaintiff
	} else if len(requestTimes) > 0 {
		winner = SideDefendant
	}

	return facts, reasonCodes, winner
}
