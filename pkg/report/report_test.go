package report

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/conformoor/pkg/catalog"
	"github.com/ethpandaops/conformoor/pkg/config"
	"github.com/ethpandaops/conformoor/pkg/store"
	"github.com/ethpandaops/conformoor/pkg/types"
)

func TestBadgeColor(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{pct: 0, want: colorRed},
		{pct: 49.9, want: colorRed},
		{pct: 50, want: colorYellow},
		{pct: 89.9, want: colorYellow},
		{pct: 90, want: colorGreen},
		{pct: 100, want: colorGreen},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, BadgeColor(tt.pct), "pct %.1f", tt.pct)
	}
}

func TestBadge(t *testing.T) {
	tests := []struct {
		name          string
		passed, total int
		contains      []string
	}{
		{
			name:   "half",
			passed: 1, total: 2,
			contains: []string{"50.0%", ">1/2<", colorYellow, `stroke-dashoffset="172.7876"`},
		},
		{
			name:   "empty run",
			passed: 0, total: 0,
			contains: []string{"0.0%", ">0/0<", colorRed},
		},
		{
			name:   "complete",
			passed: 37, total: 37,
			contains: []string{"100.0%", ">37/37<", colorGreen, `stroke-dashoffset="0.0000"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svg := string(Badge(tt.passed, tt.total))

			assert.True(t, strings.HasPrefix(svg, `<svg width="120" height="120"`))
			assert.Contains(t, svg, `r="55"`)

			for _, want := range tt.contains {
				assert.Contains(t, svg, want)
			}
		})
	}
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

var testIDs = []string{
	"test/test262/test/built-ins/Array/from/a.js",
	"test/test262/test/built-ins/Array/of/b.js",
	"test/test262/test/language/statements/c.js",
}

func seededStore(t *testing.T) store.Store {
	t.Helper()

	s := setupTestStore(t)
	rows := []store.Result{
		{Identifier: testIDs[0], Outcome: types.OutcomePass},
		{Identifier: testIDs[1], Outcome: types.OutcomeTimeout, Error: "Timeout"},
		{Identifier: "gone.js", Outcome: types.OutcomePass},
	}

	for i := range rows {
		require.NoError(t, s.Upsert(context.Background(), &rows[i]))
	}

	return s
}

func TestBuildSummary(t *testing.T) {
	grouper, err := catalog.NewGrouper([]string{"test262", "test"}, 2, "other")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := BuildSummary(context.Background(), seededStore(t), testIDs, grouper, now)
	require.NoError(t, err)

	assert.Equal(t, now, s.GeneratedAt)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Recorded)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.TimedOut)
	assert.Equal(t, 33.3, s.PassRate)

	require.Len(t, s.Groups, 2)
	assert.Equal(t, GroupSummary{
		Name: "built-ins/Array", Total: 2, Passed: 1, Failed: 1, TimedOut: 1, PassRate: 50,
	}, s.Groups[0])
	assert.Equal(t, GroupSummary{Name: "language/statements", Total: 1}, s.Groups[1])
}

func TestBuildSummary_NoGrouper(t *testing.T) {
	s, err := BuildSummary(context.Background(), seededStore(t), testIDs, nil, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, s.Recorded)
	assert.Empty(t, s.Groups)
}

type fakeUploader struct {
	mu         sync.Mutex
	preflight  error
	uploaded   map[string][]byte
	preflights int
}

func (f *fakeUploader) Preflight(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.preflights++

	return f.preflight
}

func (f *fakeUploader) UploadFile(_ context.Context, fs afero.Fs, localPath, name string) error {
	data, err := afero.ReadFile(fs, localPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploaded[name] = data

	return nil
}

func TestExporter_Export(t *testing.T) {
	fs := afero.NewMemMapFs()
	up := &fakeUploader{uploaded: make(map[string][]byte, 2)}

	summary := &Summary{Total: 4, Recorded: 4, Passed: 3, Failed: 1}

	e := NewExporter(logrus.New(), fs, "report", up)

	written, err := e.Export(context.Background(), summary)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("report", BadgeFile),
		filepath.Join("report", SummaryFile),
	}, written)

	svg, err := afero.ReadFile(fs, filepath.Join("report", BadgeFile))
	require.NoError(t, err)
	assert.Contains(t, string(svg), "75.0%")

	raw, err := afero.ReadFile(fs, filepath.Join("report", SummaryFile))
	require.NoError(t, err)

	var decoded Summary
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 3, decoded.Passed)

	assert.Equal(t, 1, up.preflights)
	assert.Equal(t, svg, up.uploaded[BadgeFile])
	assert.Equal(t, raw, up.uploaded[SummaryFile])
}

func TestExporter_PreflightFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	up := &fakeUploader{
		preflight: errors.New("access denied"),
		uploaded:  make(map[string][]byte),
	}

	e := NewExporter(logrus.New(), fs, "out", up)

	written, err := e.Export(context.Background(), &Summary{})
	require.Error(t, err)
	assert.Len(t, written, 2, "local artifacts are kept")
	assert.Empty(t, up.uploaded)
}

func TestS3Uploader_Key(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "default prefix", prefix: "", want: "conformoor/summary.json"},
		{name: "custom prefix", prefix: "ci/test262", want: "ci/test262/summary.json"},
		{name: "slashes trimmed", prefix: "/ci/", want: "ci/summary.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{cfg: &config.S3Config{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, u.key("summary.json"))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "image/svg+xml", detectContentType("report/test262_progress.svg"))
	assert.True(t, strings.HasPrefix(detectContentType("report/summary.json"), "application/json"))
	assert.Equal(t, "application/octet-stream", detectContentType("report/blob"))
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(logrus.New(), &config.S3Config{Enabled: true})
	require.Error(t, err)

	u, err := NewS3Uploader(logrus.New(), &config.S3Config{
		Enabled:        true,
		Bucket:         "results",
		EndpointURL:    "http://localhost:9000",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, u)
}
