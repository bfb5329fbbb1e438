package detector

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

var authFailurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`Failed password for (?:invalid user )?\S+ from (\S+)`),
	regexp.MustCompile(`Invalid user \S* ?from (\S+)`),
	regexp.MustCompile(`authentication failure;.*rhost=(\S+)`),
}

// AuthDetector counts authentication failures per source address over a
// sliding window and fires once a source reaches the threshold
type AuthDetector struct {
	Threshold int
	Window    time.Duration
}

func (d *AuthDetector) Name() string { return "auth" }

// authState holds failure timestamps (unix seconds) per source
type authState struct {
	Failures map[string][]int64 `json:"failures"`
}

type authEvidence struct {
	SourceIP string   `json:"source_ip"`
	Failures int      `json:"failures"`
	Window   string   `json:"window"`
	Samples  []string `json:"samples,omitempty"`
}

func (d *AuthDetector) Evaluate(in Input, prior json.RawMessage) (Result, error) {
	st := authState{Failures: make(map[string][]int64)}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, &st); err != nil {
			return Result{}, fmt.Errorf("decode auth state: %w", err)
		}
		if st.Failures == nil {
			st.Failures = make(map[string][]int64)
		}
	}

	now := in.Now.Unix()
	samples := make(map[string][]string)
	for _, line := range in.AuthLines {
		ip := failureSource(line)
		if ip == "" {
			continue
		}
		st.Failures[ip] = append(st.Failures[ip], now)
		if len(samples[ip]) < 3 {
			samples[ip] = append(samples[ip], line)
		}
	}

	cutoff := in.Now.Add(-d.Window).Unix()
	var res Result
	for ip, stamps := range st.Failures {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts > cutoff {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(st.Failures, ip)
			continue
		}
		st.Failures[ip] = kept
		if len(kept) >= d.Threshold {
			res.Incidents = append(res.Incidents, newIncident(d.Name(), model.KindAuthFailureBurst, model.SeverityP1,
				fmt.Sprintf("%d authentication failures from %s within %s", len(kept), ip, d.Window),
				"auth_failure_burst:"+ip, in.Now,
				authEvidence{SourceIP: ip, Failures: len(kept), Window: d.Window.String(), Samples: samples[ip]},
				model.Targets{IPs: []string{ip}}))
		}
	}
	sort.Slice(res.Incidents, func(i, j int) bool { return res.Incidents[i].Fingerprint < res.Incidents[j].Fingerprint })

	raw, err := json.Marshal(st)
	if err != nil {
		return Result{}, err
	}
	res.State = raw
	return res, nil
}

func failureSource(line string) string {
	for _, re := range authFailurePatterns {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}
