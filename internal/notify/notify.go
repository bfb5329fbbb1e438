package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/threats"
)

// Message types
const (
	TypeIncident   = "incident"
	TypeResolution = "resolution"
	TypeDigest     = "digest"
	TypeFinding    = "finding"
)

// KindFinding is the kind shown for scan findings
const KindFinding = "vulnerability"

// IncidentSummary is the notification view of an incident
type IncidentSummary struct {
	ID          string         `json:"incident_id"`
	Kind        string         `json:"kind"`
	Severity    model.Severity `json:"severity"`
	Title       string         `json:"title"`
	Status      model.Status   `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	Occurrences int            `json:"occurrences"`
	Actions     []string       `json:"actions_taken,omitempty"`
	Summary     string         `json:"summary,omitempty"`
}

// Message is one notification handed to a sink
type Message struct {
	Type      string            `json:"type"`
	HostID    string            `json:"host_id"`
	SentAt    time.Time         `json:"sent_at"`
	Incidents []IncidentSummary `json:"incidents"`
	Text      string            `json:"text"`
}

// Severity is the most urgent severity in the message
func (m Message) Severity() model.Severity {
	worst := model.Severity("")
	for _, inc := range m.Incidents {
		if worst == "" || inc.Severity.Rank() < worst.Rank() {
			worst = inc.Severity
		}
	}
	return worst
}

// Sink delivers notifications
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Summarize builds the notification view of inc
func Summarize(inc model.Incident, actions []model.ActionResult) IncidentSummary {
	s := IncidentSummary{
		ID:          inc.ID,
		Kind:        string(inc.Kind),
		Severity:    inc.Severity,
		Title:       inc.Title,
		Status:      inc.Status,
		CreatedAt:   inc.CreatedAt,
		Occurrences: inc.Occurrences,
		Summary:     inc.Summary,
	}
	for _, a := range actions {
		s.Actions = append(s.Actions, fmt.Sprintf("%s %s: %s", a.Kind, a.Status, a.Summary))
	}
	return s
}

// Notifier sends incidents of immediate severity right away and collects
// every incident for the periodic digest
type Notifier struct {
	sink      Sink
	hostID    string
	immediate map[model.Severity]bool
	logger    *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []IncidentSummary
}

// NewNotifier creates a notifier over sink
func NewNotifier(sink Sink, hostID string, immediate []string, logger *logging.Logger) *Notifier {
	set := make(map[model.Severity]bool, len(immediate))
	for _, s := range immediate {
		set[model.Severity(s)] = true
	}
	return &Notifier{
		sink:      sink,
		hostID:    hostID,
		immediate: set,
		logger:    logger.WithComponent("notify"),
		now:       time.Now,
	}
}

// Immediate reports whether sev is delivered without waiting for the digest
func (n *Notifier) Immediate(sev model.Severity) bool {
	return n.immediate[sev]
}

// Incident queues inc for the digest and sends it now when its severity is immediate
func (n *Notifier) Incident(ctx context.Context, inc model.Incident, actions []model.ActionResult) error {
	summary := Summarize(inc, actions)
	n.mu.Lock()
	n.pending = append(n.pending, summary)
	n.mu.Unlock()

	if !n.Immediate(inc.Severity) {
		return nil
	}
	return n.send(ctx, TypeIncident, []IncidentSummary{summary})
}

// Resolution reports that an incident was resolved and how
func (n *Notifier) Resolution(ctx context.Context, inc model.Incident, commands []string) error {
	summary := Summarize(inc, nil)
	summary.Actions = commands
	return n.send(ctx, TypeResolution, []IncidentSummary{summary})
}

// Finding reports a scan finding. Like incidents it is queued for the digest
// and sent now when its severity is immediate.
func (n *Notifier) Finding(ctx context.Context, f threats.Finding) error {
	summary := IncidentSummary{
		ID:          f.ID,
		Kind:        KindFinding,
		Severity:    f.Severity,
		Title:       f.Title,
		CreatedAt:   f.DetectedAt,
		Occurrences: f.Sightings,
		Summary:     f.Description,
	}
	n.mu.Lock()
	n.pending = append(n.pending, summary)
	n.mu.Unlock()

	if !n.Immediate(f.Severity) {
		return nil
	}
	return n.send(ctx, TypeFinding, []IncidentSummary{summary})
}

// FlushDigest sends everything collected since the previous flush
func (n *Notifier) FlushDigest(ctx context.Context) error {
	n.mu.Lock()
	items := n.pending
	n.pending = nil
	n.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	if err := n.send(ctx, TypeDigest, items); err != nil {
		// keep them for the next attempt
		n.mu.Lock()
		n.pending = append(items, n.pending...)
		n.mu.Unlock()
		return err
	}
	return nil
}

// Pending returns the number of incidents waiting for the digest
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close closes the sink
func (n *Notifier) Close() error {
	return n.sink.Close()
}

func (n *Notifier) send(ctx context.Context, typ string, items []IncidentSummary) error {
	msg := Message{
		Type:      typ,
		HostID:    n.hostID,
		SentAt:    n.now().UTC(),
		Incidents: items,
	}
	msg.Text = Render(msg)
	if err := n.sink.Send(ctx, msg); err != nil {
		return &model.ExternalServiceError{Service: "notify", Err: err}
	}
	return nil
}

// Render produces the human readable body of a message
func Render(msg Message) string {
	var b strings.Builder
	switch msg.Type {
	case TypeDigest:
		fmt.Fprintf(&b, "Security digest for %s: %d incident(s)\n", msg.HostID, len(msg.Incidents))
		counts := make(map[model.Severity]int)
		for _, inc := range msg.Incidents {
			counts[inc.Severity]++
		}
		sevs := make([]model.Severity, 0, len(counts))
		for s := range counts {
			sevs = append(sevs, s)
		}
		sort.Slice(sevs, func(i, j int) bool { return sevs[i].Rank() < sevs[j].Rank() })
		for _, s := range sevs {
			fmt.Fprintf(&b, "  %s: %d\n", s, counts[s])
		}
	case TypeResolution:
		fmt.Fprintf(&b, "Resolved on %s\n", msg.HostID)
	case TypeFinding:
		fmt.Fprintf(&b, "Vulnerability finding on %s\n", msg.HostID)
	default:
		fmt.Fprintf(&b, "Security incident on %s\n", msg.HostID)
	}
	for _, inc := range msg.Incidents {
		fmt.Fprintf(&b, "\n[%s] %s\n", inc.Severity, inc.Title)
		if inc.Status != "" {
			fmt.Fprintf(&b, "  id: %s  kind: %s  status: %s  seen: %d\n", inc.ID, inc.Kind, inc.Status, inc.Occurrences)
		} else {
			fmt.Fprintf(&b, "  id: %s  kind: %s  seen: %d\n", inc.ID, inc.Kind, inc.Occurrences)
		}
		if inc.Summary != "" {
			fmt.Fprintf(&b, "  %s\n", inc.Summary)
		}
		for _, a := range inc.Actions {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}
	return b.String()
}

// LogSink writes notifications to the structured log. It is used when no
// NATS server is configured.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log-backed sink
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("notify")}
}

func (s *LogSink) Send(ctx context.Context, msg Message) error {
	s.logger.LogSystemEvent("notification", "type", msg.Type, "severity", msg.Severity(), "incidents", len(msg.Incidents))
	return nil
}

func (s *LogSink) Close() error { return nil }
