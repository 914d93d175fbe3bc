package catalog

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		want    []string
		wantErr error
	}{
		{
			name:    "missing file",
			content: nil,
			wantErr: ErrNotFound,
		},
		{
			name:    "empty file",
			content: ptr(""),
			wantErr: ErrEmpty,
		},
		{
			name:    "only blank lines",
			content: ptr("\n   \n\t\n"),
			wantErr: ErrEmpty,
		},
		{
			name:    "ordered entries with blanks and whitespace",
			content: ptr("a/one.js\n\n  b/two.js  \r\nc/three.js"),
			want:    []string{"a/one.js", "b/two.js", "c/three.js"},
		},
		{
			name:    "duplicates keep first position",
			content: ptr("x.js\ny.js\nx.js\nz.js\n"),
			want:    []string{"x.js", "y.js", "z.js"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.content != nil {
				require.NoError(t, afero.WriteFile(fs, "catalog.txt", []byte(*tt.content), 0o644))
			}

			ids, err := Load(fs, "catalog.txt")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestGrouper_GroupOf(t *testing.T) {
	g, err := NewGrouper([]string{"test262", "test"}, 2, "")
	require.NoError(t, err)

	tests := []struct {
		name string
		id   string
		want string
	}{
		{
			name: "two segments after anchor",
			id:   "test/test262/test/built-ins/Array/prototype/map/15.4.4.19-1-1.js",
			want: "built-ins/Array",
		},
		{
			name: "single directory after anchor",
			id:   "test/test262/test/built-ins/foo.js",
			want: "built-ins",
		},
		{
			name: "file directly under anchor",
			id:   "test/test262/test/foo.js",
			want: "other",
		},
		{
			name: "no anchor",
			id:   "vendor/suite/foo.js",
			want: "other",
		},
		{
			name: "too short",
			id:   "foo.js",
			want: "other",
		},
		{
			name: "anchor at path start",
			id:   "test262/test/language/expressions/a.js",
			want: "language/expressions",
		},
		{
			name: "anchor segments must be adjacent",
			id:   "test262/x/test/built-ins/Array/a.js",
			want: "other",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.GroupOf(tt.id))
			// Deterministic across calls.
			assert.Equal(t, g.GroupOf(tt.id), g.GroupOf(tt.id))
		})
	}
}

func TestGrouper_DepthAndFallback(t *testing.T) {
	g, err := NewGrouper([]string{"suite", "cases"}, 1, "misc")
	require.NoError(t, err)

	assert.Equal(t, "math", g.GroupOf("suite/cases/math/trig/sin.js"))
	assert.Equal(t, "misc", g.GroupOf("elsewhere/sin.js"))
}

func TestNewGrouper_Invalid(t *testing.T) {
	_, err := NewGrouper([]string{"only"}, 2, "")
	require.Error(t, err)

	_, err = NewGrouper([]string{"a", "b"}, 0, "")
	require.Error(t, err)
}

func TestGrouper_Sizes(t *testing.T) {
	g, err := NewGrouper([]string{"test262", "test"}, 2, "")
	require.NoError(t, err)

	sizes := g.Sizes([]string{
		"test262/test/built-ins/Array/a.js",
		"test262/test/built-ins/Array/b.js",
		"test262/test/built-ins/Map/c.js",
		"loose.js",
	})

	assert.Equal(t, map[string]int{
		"built-ins/Array": 2,
		"built-ins/Map":   1,
		"other":           1,
	}, sizes)
}

func ptr(s string) *string {
	return &s
}
