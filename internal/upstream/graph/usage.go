package graph

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const (
	headerBusinessUseCase = "X-Business-Use-Case-Usage"
	headerAdAccountUsage  = "X-Ad-Account-Usage"
)

// Usage summarizes the quota headers attached to throttled Graph responses.
type Usage struct {
	// RegainAccessIn is the longest estimated wait until throttling lifts.
	RegainAccessIn time.Duration
}

type businessUseCaseEntry struct {
	Type                        string `json:"type"`
	CallCount                   int    `json:"call_count"`
	TotalCPUTime                int    `json:"total_cputime"`
	TotalTime                   int    `json:"total_time"`
	EstimatedTimeToRegainAccess int    `json:"estimated_time_to_regain_access"`
}

type adAccountUsage struct {
	AccIDUtilPct      float64 `json:"acc_id_util_pct"`
	ResetTimeDuration int     `json:"reset_time_duration"`
}

// ParseUsage reads the usage headers. Malformed headers are ignored.
func ParseUsage(header http.Header) Usage {
	var usage Usage
	if header == nil {
		return usage
	}

	if raw := strings.TrimSpace(header.Get(headerBusinessUseCase)); raw != "" {
		var byBusiness map[string][]businessUseCaseEntry
		if err := json.Unmarshal([]byte(raw), &byBusiness); err == nil {
			for _, entries := range byBusiness {
				for _, entry := range entries {
					usage.observeWait(time.Duration(entry.EstimatedTimeToRegainAccess) * time.Minute)
				}
			}
		}
	}

	if raw := strings.TrimSpace(header.Get(headerAdAccountUsage)); raw != "" {
		var account adAccountUsage
		if err := json.Unmarshal([]byte(raw), &account); err == nil {
			if account.AccIDUtilPct >= 100 {
				usage.observeWait(time.Duration(account.ResetTimeDuration) * time.Second)
			}
		}
	}

	return usage
}

func (u *Usage) observeWait(wait time.Duration) {
	if wait > u.RegainAccessIn {
		u.RegainAccessIn = wait
	}
}
