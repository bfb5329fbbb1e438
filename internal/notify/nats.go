package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
)

const (
	// DefaultSubject is used when none is configured
	DefaultSubject = "hostguard.incidents"
	// ConnectTimeout bounds the initial dial
	ConnectTimeout = 10 * time.Second
	// ReconnectWait is the pause between reconnect attempts
	ReconnectWait = 5 * time.Second
	// PublishTimeout bounds the flush after each publish
	PublishTimeout = 5 * time.Second
)

// NATSSink publishes notifications to a subject on a local NATS server.
// The connection reconnects on its own; publishes while disconnected are
// buffered by the client.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewNATSSink connects to url
func NewNATSSink(url, subject string, logger *logging.Logger) (*NATSSink, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	logger = logger.WithComponent("notify")

	conn, err := nats.Connect(url,
		nats.Name("hostguard"),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("NATS notification sink initialized", "url", url, "subject", subject)
	return &NATSSink{conn: conn, subject: subject, logger: logger}, nil
}

// Send publishes msg as JSON with routing headers
func (s *NATSSink) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	m := nats.NewMsg(s.subject)
	m.Data = data
	m.Header.Set("x-host-id", msg.HostID)
	m.Header.Set("x-message-type", msg.Type)
	if sev := msg.Severity(); sev != "" {
		m.Header.Set("x-severity", string(sev))
	}
	m.Header.Set("x-timestamp", fmt.Sprintf("%d", msg.SentAt.UnixMilli()))

	if err := s.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush notification: %w", err)
	}

	s.logger.Debug("Notification published", "type", msg.Type, "subject", s.subject)
	return nil
}

// IsConnected reports the connection state
func (s *NATSSink) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close drains and closes the connection
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn = nil
	return err
}
