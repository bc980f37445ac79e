// Package validate implements the Validator Chain (C3): an ordered list
// of per-report predicates, short-circuiting on the first failure.
package validate

import "github.com/google/aggregation-service-worker/internal/report"

// ErrorCounter names a per-report error bucket tallied by the orchestrator
// (spec §7). Validator-defined counters, plus the two codec/decrypt-level
// counters, share this type.
type ErrorCounter string

const (
	CounterUnsupportedReportVersion ErrorCounter = "UNSUPPORTED_REPORT_VERSION"
	CounterDecryptionError          ErrorCounter = "DECRYPTION_ERROR"
	CounterServiceError             ErrorCounter = "SERVICE_ERROR"
)

// Rule is one predicate in the chain. It returns the counter to tally and
// ok=false when the report should be rejected.
type Rule interface {
	Check(r report.Report) (ErrorCounter, bool)
}

// RuleFunc adapts a plain function to Rule.
type RuleFunc func(r report.Report) (ErrorCounter, bool)

func (f RuleFunc) Check(r report.Report) (ErrorCounter, bool) { return f(r) }

// Chain runs its rules in order and stops at the first rejection.
type Chain struct {
	rules []Rule
}

// NewChain builds a chain. ReportVersionValidator should always be first;
// NewDefaultChain enforces this.
func NewChain(rules ...Rule) *Chain {
	return &Chain{rules: rules}
}

// NewDefaultChain builds the chain with the mandatory ReportVersionValidator
// first, followed by any additional pluggable rules (spec §4.3).
func NewDefaultChain(supportedMajorVersion string, extra ...Rule) *Chain {
	rules := make([]Rule, 0, len(extra)+1)
	rules = append(rules, NewReportVersionValidator(supportedMajorVersion))
	rules = append(rules, extra...)
	return NewChain(rules...)
}

// Check runs every rule in order. ok=true means the report passed every
// rule; otherwise counter names the first rule that rejected it.
func (c *Chain) Check(r report.Report) (counter ErrorCounter, ok bool) {
	for _, rule := range c.rules {
		if counter, ok = rule.Check(r); !ok {
			return counter, false
		}
	}
	return "", true
}
