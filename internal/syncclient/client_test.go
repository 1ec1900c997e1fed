package syncclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/basket/fieldkit/internal/queue"
	"github.com/basket/fieldkit/internal/syncclient"
)

// fakeServer is an in-memory stand-in for the aggregation server. Failure
// injection is per endpoint: failNTimes returns 500s before recovering,
// reject answers 200 with success=false, failChunk kills one chunk index.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	calls         map[string]int
	healthBody    string
	registrations []map[string]any
	batchCalls    int
	batchItems    []map[string]any
	servedTasks   []map[string]any
	uploadTasks   []map[string]any
	lastTaskQuery url.Values
	acked         [][]string
	failLeft      map[string]int
	rejected      map[string]bool
	failChunk     int
	sessionSeq    int
	sessions      map[string]*chunkSession
	assembled     map[string][]byte
	chunkLog      []int
}

type chunkSession struct {
	itemID      string
	itemType    string
	totalChunks int
	chunks      map[int][]byte
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:          t,
		calls:      map[string]int{},
		healthBody: `{"status":"ok"}`,
		failLeft:   map[string]int{},
		rejected:   map[string]bool{},
		failChunk:  -1,
		sessions:   map[string]*chunkSession{},
		assembled:  map[string][]byte{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", fs.handleHealth)
	mux.HandleFunc("/register", fs.handleRegister)
	mux.HandleFunc("/upload", fs.handleUpload)
	mux.HandleFunc("/upload/chunked/start", fs.handleChunkedStart)
	mux.HandleFunc("/upload/chunked/chunk", fs.handleChunk)
	mux.HandleFunc("/upload/chunked/complete", fs.handleChunkedComplete)
	mux.HandleFunc("/tasks", fs.handleTasks)
	mux.HandleFunc("/tasks/ack", fs.handleAck)
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) URL() string { return fs.srv.URL }

func (fs *fakeServer) failNTimes(endpoint string, n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failLeft[endpoint] = n
}

func (fs *fakeServer) reject(endpoint string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.rejected[endpoint] = true
}

func (fs *fakeServer) setFailChunk(index int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failChunk = index
}

func (fs *fakeServer) callCount(endpoint string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls[endpoint]
}

// enter records the call and applies injected failures. Callers hold no
// lock; enter returns false when it already wrote a failure response.
func (fs *fakeServer) enter(w http.ResponseWriter, endpoint string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.calls[endpoint]++
	if fs.failLeft[endpoint] > 0 {
		fs.failLeft[endpoint]--
		w.WriteHeader(http.StatusInternalServerError)
		return false
	}
	if fs.rejected[endpoint] {
		writeJSON(w, map[string]any{"success": false, "error": "rejected by policy"})
		return false
	}
	return true
}

func (fs *fakeServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !fs.enter(w, "/health") {
		return
	}
	fs.mu.Lock()
	body := fs.healthBody
	fs.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func (fs *fakeServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !fs.enter(w, "/register") {
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fs.mu.Lock()
	fs.registrations = append(fs.registrations, body)
	fs.mu.Unlock()
	writeJSON(w, map[string]any{"success": true})
}

func (fs *fakeServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !fs.enter(w, "/upload") {
		return
	}
	var body struct {
		Items     []map[string]any `json:"items"`
		BatchSize int              `json:"batch_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if body.BatchSize != len(body.Items) {
		fs.t.Errorf("batch_size = %d, items = %d", body.BatchSize, len(body.Items))
	}
	fs.mu.Lock()
	fs.batchCalls++
	fs.batchItems = append(fs.batchItems, body.Items...)
	tasks := fs.uploadTasks
	fs.mu.Unlock()
	if tasks == nil {
		tasks = []map[string]any{}
	}
	writeJSON(w, map[string]any{"success": true, "tasks": tasks})
}

func (fs *fakeServer) handleChunkedStart(w http.ResponseWriter, r *http.Request) {
	if !fs.enter(w, "/upload/chunked/start") {
		return
	}
	var body struct {
		ItemID      string `json:"item_id"`
		Type        string `json:"type"`
		TotalChunks int    `json:"total_chunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fs.mu.Lock()
	fs.sessionSeq++
	id := fmt.Sprintf("up_%d", fs.sessionSeq)
	fs.sessions[id] = &chunkSession{
		itemID:      body.ItemID,
		itemType:    body.Type,
		totalChunks: body.TotalChunks,
		chunks:      map[int][]byte{},
	}
	fs.mu.Unlock()
	writeJSON(w, map[string]any{"success": true, "upload_id": id})
}

func (fs *fakeServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UploadID   string `json:"upload_id"`
		ChunkIndex int    `json:"chunk_index"`
		Data       []byte `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fs.mu.Lock()
	fs.calls["/upload/chunked/chunk"]++
	fs.chunkLog = append(fs.chunkLog, body.ChunkIndex)
	if body.ChunkIndex == fs.failChunk {
		fs.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	sess := fs.sessions[body.UploadID]
	if sess == nil {
		fs.mu.Unlock()
		writeJSON(w, map[string]any{"success": false, "error": "unknown upload_id"})
		return
	}
	sess.chunks[body.ChunkIndex] = body.Data
	fs.mu.Unlock()
	writeJSON(w, map[string]any{"success": true})
}

func (fs *fakeServer) handleChunkedComplete(w http.ResponseWriter, r *http.Request) {
	if !fs.enter(w, "/upload/chunked/complete") {
		return
	}
	var body struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	sess := fs.sessions[body.UploadID]
	if sess == nil {
		writeJSON(w, map[string]any{"success": false, "error": "unknown upload_id"})
		return
	}
	var joined []byte
	for i := 0; i < sess.totalChunks; i++ {
		chunk, ok := sess.chunks[i]
		if !ok {
			writeJSON(w, map[string]any{"success": false, "error": fmt.Sprintf("missing chunk %d", i)})
			return
		}
		joined = append(joined, chunk...)
	}
	fs.assembled[sess.itemID] = joined
	writeJSON(w, map[string]any{"success": true})
}

func (fs *fakeServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !fs.enter(w, "/tasks") {
		return
	}
	fs.mu.Lock()
	fs.lastTaskQuery = r.URL.Query()
	tasks := fs.servedTasks
	fs.mu.Unlock()
	if tasks == nil {
		tasks = []map[string]any{}
	}
	writeJSON(w, map[string]any{"success": true, "tasks": tasks})
}

func (fs *fakeServer) handleAck(w http.ResponseWriter, r *http.Request) {
	if !fs.enter(w, "/tasks/ack") {
		return
	}
	var body struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fs.mu.Lock()
	fs.acked = append(fs.acked, body.TaskIDs)
	fs.mu.Unlock()
	writeJSON(w, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, serverURL string) *syncclient.Client {
	t.Helper()
	return syncclient.New(syncclient.Config{
		ServerURL:      serverURL,
		DeviceName:     "fieldkit-test01",
		DeviceType:     "handheld",
		WorkerID:       "w-17",
		WorkerName:     "Jo Field",
		Firmware:       "0.9.0-test",
		Capabilities:   []string{"notes", "voice", "observations"},
		RetryBaseDelay: 2 * time.Millisecond,
		Logger:         discardLogger(),
	})
}

func TestCheckConnection(t *testing.T) {
	fs := newFakeServer(t)
	client := newTestClient(t, fs.URL())

	if !client.CheckConnection(context.Background()) {
		t.Fatal("CheckConnection = false against a healthy server")
	}

	// A parsed non-ok status is a rejection: one call, no retry storm.
	fs.mu.Lock()
	fs.healthBody = `{"status":"degraded"}`
	fs.calls["/health"] = 0
	fs.mu.Unlock()
	if client.CheckConnection(context.Background()) {
		t.Fatal("CheckConnection = true for degraded status")
	}
	if got := fs.callCount("/health"); got != 1 {
		t.Fatalf("/health calls = %d, want 1 (no retry on rejection)", got)
	}

	// A 500 is transient: all attempts are spent before giving up.
	fs.mu.Lock()
	fs.healthBody = `{"status":"ok"}`
	fs.calls["/health"] = 0
	fs.failLeft["/health"] = 99
	fs.mu.Unlock()
	if client.CheckConnection(context.Background()) {
		t.Fatal("CheckConnection = true against a failing server")
	}
	if got := fs.callCount("/health"); got != 3 {
		t.Fatalf("/health calls = %d, want 3 (default attempts)", got)
	}
}

func TestRegisterDevice_SendsIdentity(t *testing.T) {
	fs := newFakeServer(t)
	client := newTestClient(t, fs.URL())

	if err := client.RegisterDevice(context.Background()); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.registrations) != 1 {
		t.Fatalf("registrations = %d, want 1", len(fs.registrations))
	}
	reg := fs.registrations[0]
	want := map[string]string{
		"device_name":      "fieldkit-test01",
		"device_type":      "handheld",
		"worker_id":        "w-17",
		"worker_name":      "Jo Field",
		"firmware_version": "0.9.0-test",
	}
	for key, val := range want {
		if reg[key] != val {
			t.Errorf("registration %s = %v, want %q", key, reg[key], val)
		}
	}
	if reg["timestamp"] == nil || reg["timestamp"] == "" {
		t.Error("registration timestamp missing")
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	fs := newFakeServer(t)
	fs.failNTimes("/register", 2)
	client := newTestClient(t, fs.URL())

	if err := client.RegisterDevice(context.Background()); err != nil {
		t.Fatalf("RegisterDevice after transient failures: %v", err)
	}
	if got := fs.callCount("/register"); got != 3 {
		t.Fatalf("/register calls = %d, want 3", got)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	fs := newFakeServer(t)
	fs.failNTimes("/register", 99)
	client := newTestClient(t, fs.URL())

	if err := client.RegisterDevice(context.Background()); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := fs.callCount("/register"); got != 3 {
		t.Fatalf("/register calls = %d, want 3", got)
	}
}

func TestRetry_RejectionStopsImmediately(t *testing.T) {
	fs := newFakeServer(t)
	fs.reject("/register")
	client := newTestClient(t, fs.URL())

	if err := client.RegisterDevice(context.Background()); err == nil {
		t.Fatal("expected error for rejected registration")
	}
	if got := fs.callCount("/register"); got != 1 {
		t.Fatalf("/register calls = %d, want 1", got)
	}
}

func TestRetry_CancelledContext(t *testing.T) {
	fs := newFakeServer(t)
	client := newTestClient(t, fs.URL())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.RegisterDevice(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if got := fs.callCount("/register"); got != 0 {
		t.Fatalf("/register calls = %d, want 0", got)
	}
}

func TestFetchTasks_QueryAndConversion(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.servedTasks = []map[string]any{
		{"id": "t1", "title": "Inspect scaffolding", "status": "pending"},
		{"id": "t2", "title": "Replace filter", "status": "in_progress"},
	}
	fs.mu.Unlock()
	client := newTestClient(t, fs.URL())

	tasks, err := client.FetchTasks(context.Background())
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].ID != "t1" || tasks[0].Status != queue.TaskPending {
		t.Fatalf("tasks[0] = %+v", tasks[0])
	}

	fs.mu.Lock()
	query := fs.lastTaskQuery
	fs.mu.Unlock()
	if got := query.Get("worker_id"); got != "w-17" {
		t.Fatalf("worker_id = %q, want %q", got, "w-17")
	}
	if got := query.Get("device"); got != "fieldkit-test01" {
		t.Fatalf("device = %q, want %q", got, "fieldkit-test01")
	}
}

func TestAcknowledgeTasks_EmptyIsNoop(t *testing.T) {
	fs := newFakeServer(t)
	client := newTestClient(t, fs.URL())

	if err := client.AcknowledgeTasks(context.Background(), nil); err != nil {
		t.Fatalf("AcknowledgeTasks(nil): %v", err)
	}
	if got := fs.callCount("/tasks/ack"); got != 0 {
		t.Fatalf("/tasks/ack calls = %d, want 0", got)
	}
}

func TestUploadBatch_ReturnsPiggybackedTasks(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.uploadTasks = []map[string]any{{"id": "t9", "title": "Refuel generator", "status": "pending"}}
	fs.mu.Unlock()
	client := newTestClient(t, fs.URL())

	note, err := queue.NewNote("pipe run complete", "progress")
	if err != nil {
		t.Fatalf("NewNote: %v", err)
	}
	note.ID = "edge_100_1"

	tasks, err := client.UploadBatch(context.Background(), []queue.Item{note})
	if err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t9" {
		t.Fatalf("piggybacked tasks = %+v", tasks)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.batchCalls != 1 || len(fs.batchItems) != 1 {
		t.Fatalf("batchCalls = %d, items = %d", fs.batchCalls, len(fs.batchItems))
	}
	if fs.batchItems[0]["type"] != "note" {
		t.Fatalf("wire item type = %v", fs.batchItems[0]["type"])
	}
}

func TestUploadChunked_ReassemblesByteForByte(t *testing.T) {
	fs := newFakeServer(t)
	client := newTestClient(t, fs.URL())

	audio := makeAudio(150 * 1024)
	item, err := queue.NewVoiceNote(audio, 12.5, "wav")
	if err != nil {
		t.Fatalf("NewVoiceNote: %v", err)
	}
	item.ID = "edge_200_1"

	if err := client.UploadChunked(context.Background(), item); err != nil {
		t.Fatalf("UploadChunked: %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	wantLog := []int{0, 1, 2, 3, 4}
	if len(fs.chunkLog) != len(wantLog) {
		t.Fatalf("chunk sequence = %v, want %v", fs.chunkLog, wantLog)
	}
	for i, idx := range wantLog {
		if fs.chunkLog[i] != idx {
			t.Fatalf("chunk sequence = %v, want %v", fs.chunkLog, wantLog)
		}
	}
	got := fs.assembled["edge_200_1"]
	if len(got) != len(audio) {
		t.Fatalf("assembled %d bytes, want %d", len(got), len(audio))
	}
	for i := range audio {
		if got[i] != audio[i] {
			t.Fatalf("assembled audio differs at byte %d", i)
		}
	}
	if len(fs.sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(fs.sessions))
	}
	for _, sess := range fs.sessions {
		if sess.totalChunks != 5 || sess.itemType != "voice_note" {
			t.Fatalf("session = %+v", sess)
		}
	}
}

// makeAudio builds a deterministic byte pattern long enough to span chunks.
func makeAudio(n int) []byte {
	audio := make([]byte, n)
	for i := range audio {
		audio[i] = byte(i*31 + 7)
	}
	return audio
}
