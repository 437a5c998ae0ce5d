package interactions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream that holds interaction records.
	StreamName    = "INTERACTIONS"
	subjectPrefix = "interactions."
)

// NATSWriter publishes interactions to JetStream under interactions.<session_id>.
type NATSWriter struct {
	nc *nats.Conn
	js jetstream.JetStream
}

var _ Writer = (*NATSWriter)(nil)

// NewNATSWriter connects to url and ensures the interaction stream exists.
func NewNATSWriter(ctx context.Context, url string) (*NATSWriter, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		// The stream may be managed elsewhere; publishing reports the real failure.
		slog.Warn("Failed to ensure interaction stream", "stream", StreamName, "error", err)
	}

	return &NATSWriter{nc: nc, js: js}, nil
}

// Subject returns the subject an interaction for sessionID is published on.
func Subject(sessionID string) string {
	// Subject tokens cannot contain '.', '*', '>' or whitespace.
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return subjectPrefix + r.Replace(sessionID)
}

// Write publishes in and waits for the JetStream ack.
func (w *NATSWriter) Write(ctx context.Context, in *domain.Interaction) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode interaction: %w", err)
	}
	subject := Subject(in.SessionID)
	if _, err := w.js.Publish(ctx, subject, data, jetstream.WithMsgID(in.ID)); err != nil {
		return fmt.Errorf("failed to publish interaction to subject %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (w *NATSWriter) Close() error {
	if w.nc == nil {
		return nil
	}
	return w.nc.Drain()
}
