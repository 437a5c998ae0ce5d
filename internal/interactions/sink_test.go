package interactions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"github.com/ashureev/chatdesk/internal/store"
)

func testInteraction(sessionID, userID string) *domain.Interaction {
	return &domain.Interaction{
		ID:         domain.NewInteractionID(sessionID),
		SessionID:  sessionID,
		UserID:     userID,
		Timestamp:  time.Now().UTC(),
		Message:    "Hello, how are you?",
		Response:   "Hello! How can I help you today?",
		Sentiment:  domain.SentimentNeutral,
		Confidence: 0.8,
		Intent:     "greeting",
	}
}

func TestAsyncSinkWritesNDJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "interactions.ndjson")
	fw, err := NewFileWriter(FileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	sink := NewAsyncSink(fw, 16, slog.Default())
	defer func() { _ = sink.Close() }()

	in := testInteraction("sess-1", "user-1")
	sink.Append(context.Background(), in)

	line := waitForLogLine(t, path)
	var got domain.Interaction
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ID != in.ID {
		t.Fatalf("unexpected interaction_id: %q", got.ID)
	}
	if got.Intent != "greeting" || got.Confidence != 0.8 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}

// blockingWriter holds every write until release is closed.
type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
	closed  bool
}

func (w *blockingWriter) Write(_ context.Context, in *domain.Interaction) error {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, in.ID)
	return nil
}

func (w *blockingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *blockingWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func TestAsyncSinkDropsWhenFullAndDrainsOnClose(t *testing.T) {
	t.Parallel()

	w := &blockingWriter{release: make(chan struct{})}
	sink := NewAsyncSink(w, 2, slog.Default())

	// One record is held by the worker, two fill the queue, the rest drop.
	for range 10 {
		sink.Append(context.Background(), testInteraction("sess-drop", ""))
	}
	if sink.Stats()["dropped"] == 0 {
		t.Fatal("expected records to be dropped when the queue is full")
	}

	close(w.release)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	stats := sink.Stats()
	if stats["written"]+stats["dropped"] != 10 {
		t.Fatalf("every record must be written or dropped: %v", stats)
	}
	if int64(len(w.got)) != stats["written"] {
		t.Fatalf("writer saw %d records, sink reports %d", len(w.got), stats["written"])
	}

	// Appending after Close must not panic.
	sink.Append(context.Background(), testInteraction("sess-drop", ""))
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestAsyncSinkCloseTimeoutLeavesWriterOpen(t *testing.T) {
	t.Parallel()

	w := &blockingWriter{release: make(chan struct{})}
	sink := NewAsyncSink(w, 4, slog.Default())
	sink.closeTimeout = 20 * time.Millisecond

	sink.Append(context.Background(), testInteraction("sess-slow", ""))
	if err := sink.Close(); !errors.Is(err, ErrCloseTimeout) {
		t.Fatalf("expected ErrCloseTimeout, got %v", err)
	}
	if w.isClosed() {
		t.Fatal("writer must not be closed while the worker may still be writing")
	}

	close(w.release)
	sink.wg.Wait()
	if w.isClosed() {
		t.Fatal("writer closed after a timed out Close")
	}
	if got := sink.Stats()["written"]; got != 1 {
		t.Fatalf("expected the in-flight record to finish, written=%d", got)
	}
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, *domain.Interaction) error { return errors.New("backend down") }
func (failingWriter) Close() error                                     { return nil }

func TestAsyncSinkSwallowsWriterErrors(t *testing.T) {
	t.Parallel()

	sink := NewAsyncSink(failingWriter{}, 4, slog.Default())
	sink.Append(context.Background(), testInteraction("sess-fail", ""))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sink.Stats()["failed"] != 1 {
		t.Fatalf("expected one failed write: %v", sink.Stats())
	}
}

func TestRepositoryWriterPowersHistory(t *testing.T) {
	t.Parallel()

	repo := store.NewMemory()
	w := MultiWriter{NewRepositoryWriter(repo)}
	in := testInteraction("sess-repo", "user-repo")
	if err := w.Write(context.Background(), in); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	history, err := repo.ListUserInteractions(context.Background(), "user-repo", 10)
	if err != nil {
		t.Fatalf("ListUserInteractions failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != in.ID {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestSubjectEscapesSessionID(t *testing.T) {
	t.Parallel()

	if got := Subject("abc-123"); got != "interactions.abc-123" {
		t.Fatalf("unexpected subject: %q", got)
	}
	if got := Subject("a.b*c>d e"); got != "interactions.a_b_c_d_e" {
		t.Fatalf("unexpected escaped subject: %q", got)
	}
}

func TestNoopSink(t *testing.T) {
	t.Parallel()
	var s Sink = NoopSink{}
	s.Append(context.Background(), testInteraction("sess-noop", ""))
}
