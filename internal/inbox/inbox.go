// Package inbox ingests captures that external tools drop into the device's
// inbox directory as JSON sidecar files. The watcher validates each sidecar,
// reads the referenced audio payload for voice captures, and publishes a typed
// capture event on the bus. Storing the capture is the device loop's job; the
// inbox only moves files once the loop confirms or discards them.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/fieldkit/internal/bus"
)

const defaultDebounce = 500 * time.Millisecond

// sidecarSchema validates the metadata half of a capture pair. The audio
// payload of a voice capture lives in a separate file named by audio_file.
const sidecarSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["note", "observation", "voice_note"]},
    "note": {
      "type": "object",
      "required": ["content"],
      "properties": {
        "content": {"type": "string", "minLength": 1},
        "category": {"type": "string"}
      }
    },
    "observation": {
      "type": "object",
      "required": ["description", "severity"],
      "properties": {
        "description": {"type": "string", "minLength": 1},
        "location": {"type": "string"},
        "severity": {"enum": ["info", "warning", "critical"]}
      }
    },
    "voice_note": {
      "type": "object",
      "required": ["audio_file"],
      "properties": {
        "audio_file": {"type": "string", "minLength": 1},
        "duration_seconds": {"type": "number", "minimum": 0},
        "format": {"type": "string"},
        "transcribed": {"type": "boolean"}
      }
    }
  },
  "allOf": [
    {"if": {"properties": {"type": {"const": "note"}}}, "then": {"required": ["note"]}},
    {"if": {"properties": {"type": {"const": "observation"}}}, "then": {"required": ["observation"]}},
    {"if": {"properties": {"type": {"const": "voice_note"}}}, "then": {"required": ["voice_note"]}}
  ]
}`

type sidecar struct {
	Kind        string              `json:"type"`
	Note        *noteSidecar        `json:"note,omitempty"`
	Observation *observationSidecar `json:"observation,omitempty"`
	VoiceNote   *voiceSidecar       `json:"voice_note,omitempty"`
}

type noteSidecar struct {
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
}

type observationSidecar struct {
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Severity    string `json:"severity"`
}

type voiceSidecar struct {
	AudioFile       string  `json:"audio_file"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Format          string  `json:"format,omitempty"`
	Transcribed     bool    `json:"transcribed,omitempty"`
}

// Inbox watches a drop directory for capture sidecars.
type Inbox struct {
	dir       string
	processed string
	rejected  string
	debounce  time.Duration
	logger    *slog.Logger
	events    *bus.Bus
	schema    *jsonschema.Schema
}

// New compiles the sidecar schema and prepares an Inbox rooted at dir.
// A zero debounce falls back to 500ms.
func New(dir string, debounce time.Duration, logger *slog.Logger, events *bus.Bus) (*Inbox, error) {
	if events == nil {
		return nil, fmt.Errorf("inbox requires an event bus")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sidecarSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal sidecar schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("sidecar.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("sidecar.json")
	if err != nil {
		return nil, fmt.Errorf("compile sidecar schema: %w", err)
	}

	return &Inbox{
		dir:       dir,
		processed: filepath.Join(dir, "processed"),
		rejected:  filepath.Join(dir, "rejected"),
		debounce:  debounce,
		logger:    logger,
		events:    events,
		schema:    schema,
	}, nil
}

// Start creates the inbox directories and begins watching for sidecars.
// Sidecars already present at startup are processed after one settle window,
// so captures dropped while the device was off are not lost.
func (in *Inbox) Start(ctx context.Context) error {
	for _, d := range []string{in.dir, in.processed, in.rejected} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create inbox dir: %w", err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(in.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	go func() {
		defer fsw.Close()

		// One settle timer per sidecar path; a rewrite restarts the window.
		timers := make(map[string]*time.Timer)
		defer func() {
			for _, t := range timers {
				t.Stop()
			}
		}()
		fires := make(chan string, 16)
		schedule := func(path string) {
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(in.debounce, func() {
				select {
				case fires <- path:
				case <-ctx.Done():
				}
			})
		}

		if entries, err := os.ReadDir(in.dir); err == nil {
			for _, ent := range entries {
				if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
					continue
				}
				schedule(filepath.Join(in.dir, ent.Name()))
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".json" {
					continue
				}
				schedule(ev.Name)
			case path := <-fires:
				delete(timers, path)
				in.handleSidecar(path)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				in.logger.Warn("inbox watcher error", "error", err)
			}
		}
	}()

	return nil
}

// handleSidecar validates one sidecar and publishes the capture it describes.
// Invalid sidecars move to rejected/ immediately; valid ones stay in place
// until the device loop confirms the store.
func (in *Inbox) handleSidecar(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return // already archived by an earlier fire
		}
		in.logger.Warn("inbox: read sidecar failed", "path", path, "error", err)
		return
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		in.reject(path, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if err := in.schema.Validate(doc); err != nil {
		in.reject(path, fmt.Sprintf("schema validation failed: %s", err))
		return
	}

	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		in.reject(path, fmt.Sprintf("decode sidecar: %s", err))
		return
	}

	switch sc.Kind {
	case "note":
		in.events.Publish(bus.TopicCaptureNote, bus.NoteCapture{
			Content:  sc.Note.Content,
			Category: sc.Note.Category,
			Source:   "inbox",
			Files:    []string{path},
		})
	case "observation":
		in.events.Publish(bus.TopicCaptureObservation, bus.ObservationCapture{
			Description: sc.Observation.Description,
			Location:    sc.Observation.Location,
			Severity:    sc.Observation.Severity,
			Source:      "inbox",
			Files:       []string{path},
		})
	case "voice_note":
		name := sc.VoiceNote.AudioFile
		if name != filepath.Base(name) || name == "." || name == ".." {
			in.reject(path, fmt.Sprintf("audio_file %q must be a bare file name", name))
			return
		}
		audioPath := filepath.Join(in.dir, name)
		audio, err := os.ReadFile(audioPath)
		if err != nil {
			in.reject(path, fmt.Sprintf("read audio file %q: %s", name, err))
			return
		}
		in.events.Publish(bus.TopicCaptureVoice, bus.VoiceCapture{
			Audio:           audio,
			DurationSeconds: sc.VoiceNote.DurationSeconds,
			Format:          sc.VoiceNote.Format,
			Transcribed:     sc.VoiceNote.Transcribed,
			Source:          "inbox",
			Files:           []string{path, audioPath},
		})
	}

	in.logger.Info("inbox capture published", "path", path, "kind", sc.Kind)
}

func (in *Inbox) reject(path, reason string) {
	in.logger.Warn("inbox: sidecar rejected", "path", path, "reason", reason)
	if err := moveInto(in.rejected, path); err != nil {
		in.logger.Warn("inbox: move to rejected failed", "path", path, "error", err)
	}
}

// Confirm archives the artifacts of a durably stored capture into processed/.
func (in *Inbox) Confirm(files []string) error {
	return in.archive(in.processed, files)
}

// Discard moves the artifacts of a capture that could not be stored into
// rejected/ so it is never re-ingested.
func (in *Inbox) Discard(files []string) error {
	return in.archive(in.rejected, files)
}

func (in *Inbox) archive(dstDir string, files []string) error {
	var firstErr error
	for _, f := range files {
		if err := moveInto(dstDir, f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// moveInto renames path into dstDir, suffixing the name on collision. A
// vanished source is not an error; the watcher can fire twice for one file.
func moveInto(dstDir, path string) error {
	target := filepath.Join(dstDir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(target, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, target); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("archive %s: %w", filepath.Base(path), err)
	}
	return nil
}
