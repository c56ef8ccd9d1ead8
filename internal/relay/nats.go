// ABOUTME: NATS relay that publishes every gateway event as JSON on <prefix>.<type>
// ABOUTME: The connection reconnects forever; publish errors surface as delivery failures

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/concierge-gateway/internal/events"
)

// DefaultSubjectPrefix is used when NATSConfig.SubjectPrefix is empty.
const DefaultSubjectPrefix = "concierge.gateway"

// NATSConfig configures the NATS relay.
type NATSConfig struct {
	Servers       []string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// publisher is the slice of *nats.Conn the relay needs.
type publisher interface {
	PublishMsg(msg *nats.Msg) error
	Close()
}

// NATS publishes events to a NATS server.
type NATS struct {
	conn   publisher
	prefix string
}

// NewNATS connects to the configured servers.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats: no servers configured")
	}
	if cfg.Name == "" {
		cfg.Name = "concierge-gateway"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return newNATS(nc, cfg.SubjectPrefix), nil
}

func newNATS(conn publisher, prefix string) *NATS {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: conn, prefix: prefix}
}

// Name implements Relay.
func (n *NATS) Name() string { return "nats" }

// Subject returns the subject an event type is published on.
func (n *NATS) Subject(t events.Type) string {
	return n.prefix + "." + string(t)
}

// Deliver implements Relay.
func (n *NATS) Deliver(_ context.Context, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	msg := nats.NewMsg(n.Subject(evt.Type))
	msg.Data = data
	msg.Header.Set("Gateway-Seq", strconv.FormatUint(evt.Seq, 10))
	msg.Header.Set("Gateway-Event", string(evt.Type))

	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close implements Relay.
func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
