// Package report defines the aggregatable-report data model (spec §3) and
// the Avro/CBOR codecs used to read and write it (C1).
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/uint128"
)

// EncryptedReport is one record read from an input shard. Immutable.
type EncryptedReport struct {
	Payload    []byte `avro:"payload"`
	KeyID      string `avro:"key_id"`
	SharedInfo string `avro:"shared_info"`
}

// SharedInfo is the parsed, structured view of a report's non-secret
// envelope (spec §3). It is both the associated data bound during
// decryption and the input to privacy-budget-key derivation.
type SharedInfo struct {
	Version              string    `json:"version"`
	ReportID             string    `json:"report_id"`
	ScheduledReportTime  time.Time `json:"scheduled_report_time"`
	ReportingOrigin      string    `json:"reporting_origin"`
	API                  string    `json:"api"`
	Destination          string    `json:"attribution_destination,omitempty"`
}

// ParseSharedInfo decodes the raw shared_info JSON string and validates
// its required fields.
func ParseSharedInfo(raw string) (SharedInfo, error) {
	var si SharedInfo
	if err := json.Unmarshal([]byte(raw), &si); err != nil {
		return SharedInfo{}, fmt.Errorf("malformed shared_info: %w", err)
	}
	if si.Version == "" {
		return SharedInfo{}, fmt.Errorf("shared_info missing version")
	}
	if si.ReportingOrigin == "" {
		return SharedInfo{}, fmt.Errorf("shared_info missing reporting_origin")
	}
	if si.API == "" {
		return SharedInfo{}, fmt.Errorf("shared_info missing api")
	}
	if si.ReportID == "" {
		return SharedInfo{}, fmt.Errorf("shared_info missing report_id")
	}
	if _, err := uuid.Parse(si.ReportID); err != nil {
		return SharedInfo{}, fmt.Errorf("shared_info.report_id is not a UUID: %w", err)
	}
	return si, nil
}

// Contribution is one (bucket, value) pair from a report's CBOR payload.
type Contribution struct {
	Bucket uint128.Uint128
	Value  uint32
}

// Payload is the decoded CBOR map `{"data": [...]}`.
type Payload struct {
	Contributions []Contribution
}

// Report is a fully decrypted, decoded record (spec §3).
type Report struct {
	SharedInfo SharedInfo
	Payload    Payload
}

// MajorVersion returns the leading dot-delimited component of a semver
// string, e.g. "1.2.3" -> "1".
func MajorVersion(version string) string {
	for i, r := range version {
		if r == '.' {
			return version[:i]
		}
	}
	return version
}
