package judge

import (
	"fmt"
	"strings"
)

type opinionParams struct {
	DisputeID         int64
	TierName          string
	Plaintiff         string
	Defendant         string
	PlaintiffEvidence string
	DefendantEvidence string
	Winner            string
	ReasonCodes       []string
	Facts             map[string]any
	IntegrityErrors   []string
}

func reasonLine(code string) string {
	switch code {
	case ReasonLatencyBreach:
		return "- SLA breach established: latency exceeded the allowed threshold."
	case ReasonRateLimit:
		return "- Abuse rule violated: requests per minute exceeded contract limits."
	case ReasonHashMismatch:
		return "- Evidence integrity failure: receipt hashes did not match the anchored root."
	default:
		return fmt.Sprintf("- Rule finding: %s", code)
	}
}

// deterministicOpinion renders the formal ruling text for cases decided
// without the AI panel.
func deterministicOpinion(p opinionParams) string {
	winnerSide := "DEFENDANT"
	loser := p.Plaintiff
	if strings.EqualFold(p.Winner, p.Plaintiff) {
		winnerSide = "PLAINTIFF"
		loser = p.Defendant
	}

	findingLines := make([]string, 0, len(p.ReasonCodes))
	for _, code := range p.ReasonCodes {
		findingLines = append(findingLines, reasonLine(code))
	}
	if len(findingLines) == 0 {
		findingLines = []string{"- No rule violations were established."}
	}

	var integrityLines []string
	if len(p.IntegrityErrors) > 0 {
		for _, msg := range p.IntegrityErrors {
			integrityLines = append(integrityLines, "- "+msg)
		}
	} else {
		integrityLines = []string{"- Receipt chain integrity verified against anchored evidence root."}
	}
	lowered := strings.ToLower(p.DefendantEvidence)
	if lowered == "0x0" || lowered == "0x"+strings.Repeat("0", 64) {
		integrityLines = append(integrityLines,
			"- Defendant evidence commitment is null; no counter-evidence was pre-committed.")
	}

	lines := []string{
		fmt.Sprintf("AGENT COURT PROTOCOL — %s DIVISION", strings.ToUpper(p.TierName)),
		"",
		"JUDICIAL OPINION",
		"",
		fmt.Sprintf("Case No. %d", p.DisputeID),
		fmt.Sprintf("%s (Plaintiff) v. %s (Defendant)", p.Plaintiff, p.Defendant),
		"",
		"I. PRELIMINARY MATTERS: EVIDENCE INTEGRITY",
		fmt.Sprintf("- Plaintiff committed evidence hash: %s", p.PlaintiffEvidence),
		fmt.Sprintf("- Defendant committed evidence hash: %s", p.DefendantEvidence),
	}
	lines = append(lines, integrityLines...)
	lines = append(lines,
		"",
		"II. FINDINGS OF FACT",
		fmt.Sprintf("- Request count: %v", factOr(p.Facts, "request_count", 0)),
		fmt.Sprintf("- Response count: %v", factOr(p.Facts, "response_count", 0)),
		fmt.Sprintf("- Observed latency (ms): %v", factOr(p.Facts, "latency_ms", 0)),
		fmt.Sprintf("- Peak requests per minute: %v", factOr(p.Facts, "peak_requests_per_minute", 0)),
		fmt.Sprintf("- Response format valid: %v", factOr(p.Facts, "response_format_ok", true)),
		"",
		"III. APPLICATION OF SLA TERMS",
	)
	lines = append(lines, findingLines...)
	lines = append(lines,
		"",
		"IV. RULING",
		fmt.Sprintf("- Judgment for the %s: %s.", winnerSide, p.Winner),
		fmt.Sprintf("- Losing party: %s.", loser),
		"- Ruling is issued under deterministic SLA checks and evidence integrity constraints.",
		"",
		"IT IS SO ORDERED.",
		"The Honorable Judge, Agent Court Protocol",
	)
	return strings.Join(lines, "\n")
}

func factOr(facts map[string]any, key string, fallback any) any {
	if v, ok := facts[key]; ok {
		return v
	}
	return fallback
}
