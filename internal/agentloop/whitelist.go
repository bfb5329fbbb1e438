package agentloop

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// TargetKind names what a pattern's target group refers to
type TargetKind string

const (
	TargetNone      TargetKind = "none"
	TargetPID       TargetKind = "pid"
	TargetContainer TargetKind = "container"
	TargetPath      TargetKind = "path"
	TargetIP        TargetKind = "ip"
	TargetUser      TargetKind = "user"
)

// metacharacters a shell would interpret; commands never reach a shell
// but are rejected anyway so a pattern cannot be widened by quoting tricks
const metacharacters = ";&|$`<>(){}[]*?!~\\'\"\n\r\t#"

// Pattern is one compiled whitelist entry
type Pattern struct {
	Name    string
	Target  TargetKind
	MinTier model.ActionTier
	re      *regexp.Regexp
}

// Whitelist is the closed set of commands the agent loop may run
type Whitelist struct {
	patterns []Pattern
}

// Decision is the verdict for one proposed command
type Decision struct {
	Allowed bool
	Pattern string
	Target  string
	Reason  string
	Argv    []string
}

// NewWhitelist compiles the configured patterns. Every pattern must be
// anchored at both ends.
func NewWhitelist(cfgs []config.PatternConfig) (*Whitelist, error) {
	w := &Whitelist{}
	for _, c := range cfgs {
		if !strings.HasPrefix(c.Pattern, "^") || !strings.HasSuffix(c.Pattern, "$") {
			return nil, &model.ValidationError{Field: "whitelist." + c.Name, Message: "pattern must be anchored"}
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, &model.ValidationError{Field: "whitelist." + c.Name, Message: err.Error()}
		}
		kind := TargetKind(c.Target)
		switch kind {
		case TargetNone:
		case TargetPID, TargetContainer, TargetPath, TargetIP, TargetUser:
			if re.SubexpIndex("target") < 0 {
				return nil, &model.ValidationError{Field: "whitelist." + c.Name, Message: "missing target group"}
			}
		default:
			return nil, &model.ValidationError{Field: "whitelist." + c.Name, Message: fmt.Sprintf("unknown target kind %q", c.Target)}
		}
		w.patterns = append(w.patterns, Pattern{Name: c.Name, Target: kind, MinTier: model.ActionTier(c.MinTier), re: re})
	}
	return w, nil
}

// Patterns returns the compiled entries in match order
func (w *Whitelist) Patterns() []Pattern {
	return append([]Pattern(nil), w.patterns...)
}

// Check decides whether cmd may run for inc at tier. The first pattern that
// matches the whole command decides; its target must be named in the
// incident's evidence.
func (w *Whitelist) Check(cmd string, inc model.Incident, tier model.ActionTier) Decision {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return Decision{Reason: "empty command"}
	}
	if i := strings.IndexAny(cmd, metacharacters); i >= 0 {
		return Decision{Reason: fmt.Sprintf("shell metacharacter %q is not permitted", cmd[i])}
	}
	// collapse runs of spaces so patterns only need single separators
	argv := strings.Fields(cmd)
	for _, arg := range argv {
		if strings.Contains(arg, "..") {
			return Decision{Reason: fmt.Sprintf("argument %q references a parent directory", arg)}
		}
	}
	normalized := strings.Join(argv, " ")

	for _, p := range w.patterns {
		m := p.re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		d := Decision{Pattern: p.Name, Argv: argv}
		if tier < p.MinTier {
			d.Reason = fmt.Sprintf("pattern %s requires tier %d, incident is at tier %d", p.Name, p.MinTier, tier)
			return d
		}
		if p.Target != TargetNone {
			d.Target = m[p.re.SubexpIndex("target")]
			if reason := checkTarget(p.Target, d.Target, inc.Targets); reason != "" {
				d.Reason = reason
				return d
			}
		}
		d.Allowed = true
		d.Reason = "matches " + p.Name
		return d
	}
	return Decision{Reason: "no whitelist pattern matches the command"}
}

// checkTarget returns a denial reason, or "" when target is in evidence
func checkTarget(kind TargetKind, target string, t model.Targets) string {
	outside := fmt.Sprintf("%s %s is not named in the incident evidence", kind, target)
	switch kind {
	case TargetPID:
		pid, err := strconv.Atoi(target)
		if err != nil || pid <= 1 {
			return fmt.Sprintf("invalid pid %q", target)
		}
		if pid == os.Getpid() {
			return fmt.Sprintf("refusing to signal own pid %d", pid)
		}
		if !t.HasPID(pid) {
			return outside
		}
	case TargetContainer:
		if !t.HasContainer(target) {
			return outside
		}
	case TargetPath:
		if !filepath.IsAbs(target) || filepath.Clean(target) != target {
			return fmt.Sprintf("path %q is not clean and absolute", target)
		}
		if !t.HasPath(target) {
			return outside
		}
	case TargetIP:
		addr, err := netip.ParseAddr(target)
		if err != nil {
			return fmt.Sprintf("invalid address %q", target)
		}
		if !t.HasIP(addr.String()) {
			return outside
		}
	case TargetUser:
		if !t.HasUser(target) {
			return outside
		}
	}
	return ""
}
