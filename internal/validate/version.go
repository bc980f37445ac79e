package validate

import "github.com/google/aggregation-service-worker/internal/report"

// ReportVersionValidator rejects any report whose shared_info.version
// major part is not the supported major (spec §4.3). Mandatory, always
// first in the chain.
type ReportVersionValidator struct {
	supportedMajor string
}

// NewReportVersionValidator builds the mandatory version check against
// supportedMajor (e.g. "1" for any "1.x.y").
func NewReportVersionValidator(supportedMajor string) *ReportVersionValidator {
	return &ReportVersionValidator{supportedMajor: supportedMajor}
}

func (v *ReportVersionValidator) Check(r report.Report) (ErrorCounter, bool) {
	if report.MajorVersion(r.SharedInfo.Version) != v.supportedMajor {
		return CounterUnsupportedReportVersion, false
	}
	return "", true
}
