// Package proposal decides whether free-text model output requires a human
// decision and, if so, extracts a structured remediation proposal.
//
// Extraction is explicitly heuristic and best-effort: nothing guarantees the
// extracted fields are correct, only that the result is well-formed. The
// Extractor interface keeps the heuristic replaceable without touching the
// pipeline state machine.
package proposal

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pithecene-io/assay/types"
)

// Extractor analyzes model output for a remediation requirement.
// Implementations must be pure and must never fail: either nil (no human
// decision required) or a fully populated proposal is returned.
type Extractor interface {
	Analyze(answer string) *types.HitlProposal
}

// remediationKeywords trigger the human-in-the-loop gate. The list is
// multilingual to match the backend's Korean and English output.
var remediationKeywords = []string{
	"missing value",
	"null",
	"nan",
	"impute",
	"imputation",
	"preprocessing",
	"empty cell",
	"결측",
	"누락",
	"전처리",
}

var (
	columnQuotedRe  = regexp.MustCompile(`(?i)['"](\w+)['"]\s*(?:column|컬럼)`)
	columnKeywordRe = regexp.MustCompile(`(?i)column\s*['"](\w+)['"]`)
	countRe         = regexp.MustCompile(`(?i)(\d+)\s*(?:missing|null|결측|누락)`)
	percentRe       = regexp.MustCompile(`([\d.]+)\s*%`)
	strategyRe      = regexp.MustCompile(`(?i)(mode|median|mean|최빈값|중앙값|평균)`)
)

// Heuristic is the regex-based Extractor used in production.
type Heuristic struct{}

// NewHeuristic creates the default extractor.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Analyze returns a proposal when the answer suggests remediation is needed,
// nil otherwise. Unresolved fields default to column "unknown", strategy
// "mode", fill value "auto" and zero counts.
func (h *Heuristic) Analyze(answer string) *types.HitlProposal {
	if !needsRemediation(answer) {
		return nil
	}
	return extract(answer)
}

// needsRemediation matches the answer against the keyword list.
func needsRemediation(answer string) bool {
	lower := strings.ToLower(answer)
	for _, kw := range remediationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// extract pulls a best-effort structured proposal out of the answer.
func extract(answer string) *types.HitlProposal {
	p := &types.HitlProposal{
		Column:    "unknown",
		Strategy:  "mode",
		FillValue: "auto",
	}

	if m := columnQuotedRe.FindStringSubmatch(answer); m != nil {
		p.Column = m[1]
	} else if m := columnKeywordRe.FindStringSubmatch(answer); m != nil {
		p.Column = m[1]
	}

	if m := countRe.FindStringSubmatch(answer); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			p.MissingCount = n
		}
	}

	if m := percentRe.FindStringSubmatch(answer); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.MissingPercent = f
		}
	}

	if m := strategyRe.FindStringSubmatch(answer); m != nil {
		p.Strategy = strings.ToLower(m[1])
	}

	return p
}

// Verify Heuristic implements Extractor.
var _ Extractor = (*Heuristic)(nil)
