// Package budget implements the Privacy Budget Bridge (C7): idempotent
// batched consumption of privacy-budget units against an external ledger.
package budget

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/aggregation-service-worker/internal/aggregate"
	"github.com/google/aggregation-service-worker/internal/report"
)

// fieldSeparator is the unit-separator control character used to delimit
// fields in the PrivacyBudgetUnit.key derivation (spec §9 design note 2).
const fieldSeparator = "\x1f"

// DeriveUnit computes the PrivacyBudgetUnit for one report's shared_info,
// per the fixed contract in spec §9 design note 2:
// SHA256(api + US + reporting_origin + US + hourWindow.RFC3339 + US + destination + US + version).
func DeriveUnit(si report.SharedInfo) aggregate.PrivacyBudgetUnit {
	window := si.ScheduledReportTime.UTC().Truncate(time.Hour)

	h := sha256.New()
	h.Write([]byte(si.API))
	h.Write([]byte(fieldSeparator))
	h.Write([]byte(si.ReportingOrigin))
	h.Write([]byte(fieldSeparator))
	h.Write([]byte(window.Format(time.RFC3339)))
	h.Write([]byte(fieldSeparator))
	h.Write([]byte(si.Destination))
	h.Write([]byte(fieldSeparator))
	h.Write([]byte(si.Version))

	return aggregate.PrivacyBudgetUnit{
		Key:    hex.EncodeToString(h.Sum(nil)),
		Window: window.Unix(),
	}
}

// idempotencyCacheKey derives the Redis key for a given job and unit.
func idempotencyCacheKey(jobID string, unit aggregate.PrivacyBudgetUnit) string {
	return fmt.Sprintf("aggworker:budget:%s:%s:%d", jobID, unit.Key, unit.Window)
}
