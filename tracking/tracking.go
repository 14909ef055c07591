// Package tracking records a generation run: its configuration, the images
// and texts it produced and the Prometheus metrics collected while running.
package tracking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"

	"github.com/knights-analytics/showo/config"
	"github.com/knights-analytics/showo/util/fileutil"
	"github.com/knights-analytics/showo/util/imageutil"
)

const (
	KindImage  = "image"
	KindText   = "text"
	KindScalar = "scalar"

	runIDLength = 8
)

type Settings struct {
	Project        string
	Name           string
	Dir            string
	RunID          string
	FlightAddress  string
	PushgatewayURL string
	Config         []config.KeyValue
	Resume         bool
}

// Entry is one logged item.
type Entry struct {
	Time    time.Time
	Key     string
	Kind    string
	Text    string
	Path    string
	Caption string
	Step    int64
	Value   float64
}

type Run struct {
	settings Settings
	ID       string
	Name     string
	Project  string
	Dir      string
	history  []Entry
	mu       sync.Mutex
	step     int64
	finished bool
	Resume   bool
}

// NewRunID returns a fresh 8 character run id.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:runIDLength]
}

// Init starts a run under <Dir>/<Project>/<run id> and writes its config.json.
func Init(ctx context.Context, settings Settings) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if settings.Project == "" {
		return nil, errors.New("a project name is required")
	}
	if settings.Dir == "" {
		settings.Dir = "runs"
	}
	run := &Run{
		settings: settings,
		ID:       settings.RunID,
		Name:     settings.Name,
		Project:  settings.Project,
		Resume:   settings.Resume,
	}
	if run.ID == "" {
		run.ID = NewRunID()
		run.Resume = false
	}
	run.Dir = fileutil.PathJoinSafe(settings.Dir, settings.Project, run.ID)
	mediaDir := fileutil.PathJoinSafe(run.Dir, "media")
	exists, err := fileutil.FileExists(mediaDir)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err = fileutil.CreateFile(mediaDir, true); err != nil {
			return nil, fmt.Errorf("creating run folder: %w", err)
		}
	}

	values := make(map[string]any, len(settings.Config))
	for _, kv := range settings.Config {
		values[kv.Key] = kv.Value
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(map[string]any{
		"id":      run.ID,
		"name":    run.Name,
		"project": run.Project,
		"resume":  run.Resume,
		"config":  values,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err = fileutil.WriteFileBytes(fileutil.PathJoinSafe(run.Dir, "config.json"), data, "application/json"); err != nil {
		return nil, fmt.Errorf("writing run config: %w", err)
	}
	log.Info().Str("run_id", run.ID).Str("name", run.Name).Str("dir", run.Dir).Bool("resume", run.Resume).Msg("run initialised")
	return run, nil
}

func (r *Run) record(entries ...Entry) error {
	if r.finished {
		return errors.New("run is finished")
	}
	now := time.Now()
	for i := range entries {
		entries[i].Step = r.step
		entries[i].Time = now
	}
	r.history = append(r.history, entries...)
	r.step++
	return nil
}

// LogImages saves images as PNG files under media/ and records them at one step.
func (r *Run) LogImages(key string, images []image.Image, captions []string) error {
	if len(captions) != 0 && len(captions) != len(images) {
		return fmt.Errorf("got %d images and %d captions", len(images), len(captions))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Entry, len(images))
	for i, img := range images {
		name := fmt.Sprintf("%s_%d_%d.png", sanitize(key), r.step, i)
		path := fileutil.PathJoinSafe(r.Dir, "media", name)
		if err := imageutil.SavePNG(path, img); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		entries[i] = Entry{Key: key, Kind: KindImage, Path: fileutil.PathJoinSafe("media", name)}
		if len(captions) > 0 {
			entries[i].Caption = captions[i]
		}
	}
	return r.record(entries...)
}

func (r *Run) LogText(key, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(Entry{Key: key, Kind: KindText, Text: text})
}

func (r *Run) LogScalar(key string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(Entry{Key: key, Kind: KindScalar, Value: value})
}

// History returns a copy of the logged entries.
func (r *Run) History() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.history...)
}

// Finish writes history.arrow and metrics.prom, then ships the history and
// metrics to the configured endpoints. A run can only be finished once.
func (r *Run) Finish(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	r.finished = true

	var finishErrors []error
	record := newHistoryRecord(r.history)
	defer record.Release()
	if err := writeHistory(fileutil.PathJoinSafe(r.Dir, "history.arrow"), record); err != nil {
		finishErrors = append(finishErrors, err)
	}
	if err := writeMetrics(fileutil.PathJoinSafe(r.Dir, "metrics.prom"), prometheus.DefaultGatherer); err != nil {
		finishErrors = append(finishErrors, err)
	}
	if r.settings.FlightAddress != "" {
		if err := sendHistory(ctx, r.settings.FlightAddress, []string{r.Project, r.ID}, record); err != nil {
			finishErrors = append(finishErrors, err)
		}
	}
	if r.settings.PushgatewayURL != "" {
		err := push.New(r.settings.PushgatewayURL, "showo").
			Gatherer(prometheus.DefaultGatherer).
			Grouping("run_id", r.ID).
			PushContext(ctx)
		if err != nil {
			finishErrors = append(finishErrors, fmt.Errorf("pushing metrics: %w", err))
		}
	}
	log.Info().Str("run_id", r.ID).Int("entries", len(r.history)).Msg("run finished")
	return errors.Join(finishErrors...)
}

func writeMetrics(path string, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, family := range families {
		if _, err = expfmt.MetricFamilyToText(&buf, family); err != nil {
			return err
		}
	}
	return fileutil.WriteFileBytes(path, buf.Bytes(), "text/plain")
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, key)
}
