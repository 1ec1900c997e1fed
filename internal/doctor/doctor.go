// Package doctor runs the device's self-diagnosis: configuration, storage,
// journal, and server reachability. Checks never mutate queue state; a
// corrupt partition is reported, not healed.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/fieldkit/internal/config"
	"github.com/basket/fieldkit/internal/journal"
	"github.com/basket/fieldkit/internal/queue"
	"github.com/basket/fieldkit/internal/syncclient"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Go       string `json:"go_version"`
	Firmware string `json:"firmware"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, firmware string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Go:       runtime.Version(),
			Firmware: firmware,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDataDir,
		checkPartitions,
		checkJournal,
		checkServer,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FirstBoot {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml yet (first boot writes a starter)"}
	}
	if cfg.ServerURL == "" {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "server_url not set; device will capture but never sync",
			Detail:  fmt.Sprintf("Edit %s", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data Dir", Status: "SKIP", Message: "Config missing"}
	}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Data Dir", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", cfg.HomeDir, err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Data Dir", Status: "FAIL", Message: fmt.Sprintf("Data dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Data Dir", Status: "PASS", Message: "Data directory writable"}
}

// checkPartitions parses the queue files in place. The queue itself would
// self-heal a corrupt partition on open; the doctor only reports it.
func checkPartitions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "Config missing"}
	}

	var corrupt []string
	items := 0
	present := 0
	for _, name := range queue.PartitionFiles() {
		raw, err := os.ReadFile(filepath.Join(cfg.QueueDir(), name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			corrupt = append(corrupt, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		present++
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			corrupt = append(corrupt, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		items += len(entries)
	}

	if len(corrupt) > 0 {
		return CheckResult{
			Name:    "Queue",
			Status:  "WARN",
			Message: fmt.Sprintf("%d corrupt partition file(s); next start resets them to empty", len(corrupt)),
			Detail:  strings.Join(corrupt, "; "),
		}
	}
	return CheckResult{
		Name:    "Queue",
		Status:  "PASS",
		Message: fmt.Sprintf("%d partition file(s) healthy, %d record(s)", present, items),
	}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: "SKIP", Message: "Config missing"}
	}

	jr, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer jr.Close()

	recent, err := jr.Recent(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if len(recent) == 0 {
		return CheckResult{Name: "Journal", Status: "PASS", Message: "Schema valid, no sync cycles recorded yet"}
	}
	last := recent[0]
	return CheckResult{
		Name:    "Journal",
		Status:  "PASS",
		Message: "Schema valid",
		Detail: fmt.Sprintf("last cycle %s at %s (success=%t)",
			last.CycleID, last.Started.Format(time.RFC3339), last.Success),
	}
}

func checkServer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Server", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.ServerURL == "" {
		return CheckResult{Name: "Server", Status: "SKIP", Message: "server_url not set"}
	}

	client := syncclient.New(syncclient.Config{
		ServerURL:      cfg.ServerURL,
		RequestTimeout: 5 * time.Second,
		RetryAttempts:  1, // one probe, no backoff
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	up := client.CheckConnection(probeCtx)
	latency := time.Since(start)

	if !up {
		return CheckResult{
			Name:    "Server",
			Status:  "FAIL",
			Message: fmt.Sprintf("Server unreachable at %s", cfg.ServerURL),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Server",
		Status:  "PASS",
		Message: fmt.Sprintf("Healthy (%dms)", latency.Milliseconds()),
		Detail:  cfg.ServerURL,
	}
}
