package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/fieldkit/internal/journal"
	"github.com/basket/fieldkit/internal/queue"
)

// writeTestConfig points the device at the given server with test-fast retry
// tuning so failure paths do not sit in backoff.
func writeTestConfig(t *testing.T, home, serverURL string) {
	t.Helper()
	body := fmt.Sprintf(
		"server_url: %s\nworker_id: w-1\nsync:\n  retry_base_delay_ms: 1\n  request_timeout_seconds: 1\n",
		serverURL)
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newAcceptingServer answers every sync endpoint successfully.
func newAcceptingServer(t *testing.T) *httptest.Server {
	t.Helper()
	ok := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success": true, "tasks": []}`)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status": "ok"}`)
	})
	mux.HandleFunc("/register", ok)
	mux.HandleFunc("/upload", ok)
	mux.HandleFunc("/tasks", ok)
	mux.HandleFunc("/tasks/ack", ok)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunSyncCommand_UploadsPendingAndJournals(t *testing.T) {
	home := t.TempDir()
	srv := newAcceptingServer(t)
	writeTestConfig(t, home, srv.URL)
	t.Setenv("FIELDKIT_HOME", home)

	if code := runNoteCommand([]string{"crane", "inspection", "passed"}); code != 0 {
		t.Fatalf("note exit = %d, want 0", code)
	}

	if code := runSyncCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("sync exit = %d, want 0", code)
	}

	q, err := queue.Open(filepath.Join(home, "queue"), time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	if got := q.PendingCount(); got != 0 {
		t.Fatalf("pending after sync = %d, want 0", got)
	}

	jnl, err := journal.Open(filepath.Join(home, "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer jnl.Close()
	entries, err := jnl.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(entries))
	}
	if entries[0].Trigger != "manual" || !entries[0].Success || entries[0].Uploaded != 1 {
		t.Fatalf("entry = %+v, want successful manual cycle with 1 upload", entries[0])
	}
}

func TestRunSyncCommand_UnreachableServerFails(t *testing.T) {
	home := t.TempDir()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	writeTestConfig(t, home, url)
	t.Setenv("FIELDKIT_HOME", home)

	if code := runSyncCommand(context.Background(), nil); code != 1 {
		t.Fatalf("sync exit = %d, want 1 against a dead server", code)
	}
}
