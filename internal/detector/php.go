package detector

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

type phpPattern struct {
	re       *regexp.Regexp
	label    string
	severity model.Severity
}

var phpPatterns = []phpPattern{
	{regexp.MustCompile(`(?i)eval\s*\(\s*base64_decode\s*\(`), "eval(base64_decode)", model.SeverityP0},
	{regexp.MustCompile(`(?i)eval\s*\(\s*gzinflate\s*\(`), "eval(gzinflate)", model.SeverityP0},
	{regexp.MustCompile(`(?i)eval\s*\(\s*gzuncompress\s*\(`), "eval(gzuncompress)", model.SeverityP0},
	{regexp.MustCompile(`(?i)eval\s*\(\s*str_rot13\s*\(`), "eval(str_rot13)", model.SeverityP0},
	{regexp.MustCompile(`(?i)assert\s*\(\s*\$\w+\s*\)`), "assert(variable)", model.SeverityP0},
	{regexp.MustCompile(`(?i)create_function\s*\(`), "create_function", model.SeverityP0},
	{regexp.MustCompile(`(?i)preg_replace\s*\([^)]*/e\s*[),]`), "preg_replace /e modifier", model.SeverityP0},
	{regexp.MustCompile(`(?i)shell_exec\s*\(`), "shell_exec", model.SeverityP1},
	{regexp.MustCompile(`(?i)passthru\s*\(`), "passthru", model.SeverityP1},
	{regexp.MustCompile(`(?i)proc_open\s*\(`), "proc_open", model.SeverityP1},
	{regexp.MustCompile(`(?i)pcntl_exec\s*\(`), "pcntl_exec", model.SeverityP1},
	{regexp.MustCompile(`(?i)base64_decode\s*\(\s*['"]\s*[A-Za-z0-9+/=]{20,}`), "base64_decode(long string)", model.SeverityP1},
	{regexp.MustCompile(`(?i)\bsystem\s*\(`), "system(", model.SeverityP1},
	{regexp.MustCompile(`\$\w+\s*\(\s*\$\w+\s*\)\s*;`), "variable function call", model.SeverityP2},
	{regexp.MustCompile(`(?i)file_get_contents\s*\(\s*['"]https?://`), "file_get_contents(http)", model.SeverityP2},
	{regexp.MustCompile(`(?i)curl_exec\s*\(`), "curl_exec", model.SeverityP2},
}

// PHPDetector pattern-matches PHP sources for web shell indicators. Its
// state remembers flagged path/hash pairs so an unchanged file is reported
// once.
type PHPDetector struct{}

func (d *PHPDetector) Name() string { return "php" }

type phpState struct {
	Flagged map[string]string `json:"flagged"`
}

type phpEvidence struct {
	Path    string   `json:"path"`
	SHA256  string   `json:"sha256"`
	Matches []string `json:"matches"`
}

func (d *PHPDetector) Evaluate(in Input, prior json.RawMessage) (Result, error) {
	if in.PHPFiles == nil {
		return unchanged(prior)
	}
	var st phpState
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, &st); err != nil {
			return Result{}, fmt.Errorf("decode php state: %w", err)
		}
	}

	next := phpState{Flagged: make(map[string]string)}
	var res Result
	for _, f := range in.PHPFiles {
		matches, sev := matchPHP(f.Content)
		if len(matches) == 0 {
			continue
		}
		next.Flagged[f.Path] = f.Hash
		if st.Flagged[f.Path] == f.Hash {
			continue
		}
		res.Incidents = append(res.Incidents, newIncident(d.Name(), model.KindPHPMalwareSuspected, sev,
			fmt.Sprintf("Suspicious PHP in %s: %v", f.Path, matches),
			fmt.Sprintf("php_malware_suspected:%s:%s", f.Path, f.Hash), in.Now,
			phpEvidence{Path: f.Path, SHA256: f.Hash, Matches: matches},
			model.Targets{Paths: []string{f.Path}}))
	}
	sortIncidents(res.Incidents)

	raw, err := json.Marshal(next)
	if err != nil {
		return Result{}, err
	}
	res.State = raw
	return res, nil
}

// matchPHP returns matched labels and the most severe matching level
func matchPHP(content []byte) ([]string, model.Severity) {
	var labels []string
	worst := model.SeverityP3
	for _, p := range phpPatterns {
		if p.re.Match(content) {
			labels = append(labels, p.label)
			if p.severity.Rank() < worst.Rank() {
				worst = p.severity
			}
		}
	}
	sort.Strings(labels)
	return labels, worst
}
