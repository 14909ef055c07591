package tracking

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/showo/config"
	"github.com/knights-analytics/showo/metrics"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	assert.Len(t, id, 8)
	assert.NotEqual(t, id, NewRunID())
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	run, err := Init(context.Background(), Settings{
		Project: "demo",
		Name:    "showo_t2i_revision",
		Dir:     dir,
		Resume:  true,
		Config:  []config.KeyValue{{Key: "mode", Value: "revision"}, {Key: "batch_size", Value: 1}},
	})
	require.NoError(t, err)
	assert.Len(t, run.ID, 8)
	assert.False(t, run.Resume, "resume is disabled for a fresh run id")
	assert.Equal(t, filepath.Join(dir, "demo", run.ID), run.Dir)
	media, err := os.Stat(filepath.Join(run.Dir, "media"))
	require.NoError(t, err)
	assert.True(t, media.IsDir())

	data, err := os.ReadFile(filepath.Join(run.Dir, "config.json"))
	require.NoError(t, err)
	var written map[string]any
	require.NoError(t, jsoniter.Unmarshal(data, &written))
	assert.Equal(t, run.ID, written["id"])
	assert.Equal(t, "showo_t2i_revision", written["name"])
	assert.Equal(t, map[string]any{"mode": "revision", "batch_size": float64(1)}, written["config"])

	resumed, err := Init(context.Background(), Settings{Project: "demo", Dir: dir, RunID: "abcd1234", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", resumed.ID)
	assert.True(t, resumed.Resume)

	_, err = Init(context.Background(), Settings{Dir: dir})
	assert.Error(t, err)
}

func TestRunHistory(t *testing.T) {
	run, err := Init(context.Background(), Settings{Project: "demo", Dir: t.TempDir(), RunID: "run00001"})
	require.NoError(t, err)

	require.NoError(t, run.LogImages("generated_images", []image.Image{testImage(), testImage()}, []string{"a red apple", "a cat"}))
	require.NoError(t, run.LogText("response", "User: what is it\n Answer : an apple\n"))
	require.NoError(t, run.LogScalar("steps", 18))
	assert.Error(t, run.LogImages("bad", []image.Image{testImage()}, []string{"a", "b"}))

	history := run.History()
	require.Len(t, history, 4)
	assert.Equal(t, int64(0), history[0].Step)
	assert.Equal(t, int64(0), history[1].Step)
	assert.Equal(t, int64(2), history[3].Step)
	assert.Equal(t, filepath.Join("media", "generated_images_0_1.png"), history[1].Path)
	_, err = os.Stat(filepath.Join(run.Dir, history[0].Path))
	require.NoError(t, err)

	metrics.RecordImages(2)
	require.NoError(t, run.Finish(context.Background()))
	require.NoError(t, run.Finish(context.Background()))
	assert.Error(t, run.LogText("late", "x"))

	read, err := ReadHistory(filepath.Join(run.Dir, "history.arrow"))
	require.NoError(t, err)
	require.Len(t, read, 4)
	assert.Equal(t, "a cat", read[1].Caption)
	assert.Equal(t, KindText, read[2].Kind)
	assert.Equal(t, "User: what is it\n Answer : an apple\n", read[2].Text)
	assert.InDelta(t, 18.0, read[3].Value, 1e-9)
	assert.Equal(t, history[0].Time.UnixMilli(), read[0].Time.UnixMilli())

	prom, err := os.ReadFile(filepath.Join(run.Dir, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "showo_images_generated_total")
}

type historyServer struct {
	flight.BaseFlightServer
	path []string
	mu   sync.Mutex
	rows int64
}

func (s *historyServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()
	s.mu.Lock()
	defer s.mu.Unlock()
	for reader.Next() {
		s.rows += reader.Record().NumRows()
	}
	if err = reader.Err(); err != nil {
		return err
	}
	if descriptor := reader.LatestFlightDescriptor(); descriptor != nil {
		s.path = descriptor.Path
	}
	return stream.Send(&flight.PutResult{})
}

func TestFinishShipsHistory(t *testing.T) {
	server := flight.NewServerWithMiddleware(nil)
	require.NoError(t, server.Init("localhost:0"))
	received := &historyServer{}
	server.RegisterFlightService(received)
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	var pushedPath string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushedPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	run, err := Init(context.Background(), Settings{
		Project:        "demo",
		Dir:            t.TempDir(),
		RunID:          "flight01",
		FlightAddress:  server.Addr().String(),
		PushgatewayURL: gateway.URL,
	})
	require.NoError(t, err)
	require.NoError(t, run.LogText("response", "an apple"))
	require.NoError(t, run.LogScalar("tokens", 3))
	require.NoError(t, run.Finish(context.Background()))

	received.mu.Lock()
	defer received.mu.Unlock()
	assert.Equal(t, int64(2), received.rows)
	assert.Equal(t, []string{"demo", "flight01"}, received.path)
	assert.True(t, strings.HasPrefix(pushedPath, "PUT /metrics/job/showo/run_id/flight01"), pushedPath)
}

func TestFinishReportsUnreachableFlight(t *testing.T) {
	run, err := Init(context.Background(), Settings{Project: "demo", Dir: t.TempDir(), FlightAddress: "localhost:1"})
	require.NoError(t, err)
	err = run.Finish(context.Background())
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(run.Dir, "history.arrow"))
	assert.NoError(t, statErr)
}
