package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrNotFound is returned when the catalog file does not exist.
	ErrNotFound = errors.New("catalog file not found")

	// ErrEmpty is returned when the catalog has no entries.
	ErrEmpty = errors.New("catalog has no entries")
)

// DefaultFallbackGroup is used for identifiers that cannot be anchored.
const DefaultFallbackGroup = "other"

// Load reads the catalog at path and returns its identifiers in file order.
// Blank lines are skipped and repeated identifiers keep their first position.
func Load(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	var (
		ids  = make([]string, 0, 1024)
		seen = make(map[string]struct{}, 1024)
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if _, dup := seen[line]; dup {
			continue
		}

		seen[line] = struct{}{}
		ids = append(ids, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}

	return ids, nil
}

// Grouper derives the aggregation bucket of a test identifier. The group
// starts right after the first occurrence of the two Anchor segments and
// spans up to Depth directory segments.
type Grouper struct {
	Anchor   [2]string
	Depth    int
	Fallback string
}

// NewGrouper builds a Grouper from configuration values.
func NewGrouper(anchor []string, depth int, fallback string) (*Grouper, error) {
	if len(anchor) != 2 {
		return nil, fmt.Errorf("group anchor needs 2 segments, got %d", len(anchor))
	}

	if depth < 1 {
		return nil, fmt.Errorf("group depth must be at least 1, got %d", depth)
	}

	if fallback == "" {
		fallback = DefaultFallbackGroup
	}

	return &Grouper{
		Anchor:   [2]string{anchor[0], anchor[1]},
		Depth:    depth,
		Fallback: fallback,
	}, nil
}

// GroupOf returns the group key for id.
func (g *Grouper) GroupOf(id string) string {
	segments := strings.Split(id, "/")

	// The last segment is the test file and never part of a group.
	dirs := segments[:len(segments)-1]

	for i := 0; i+1 < len(dirs); i++ {
		if dirs[i] != g.Anchor[0] || dirs[i+1] != g.Anchor[1] {
			continue
		}

		rest := dirs[i+2:]
		if len(rest) == 0 {
			return g.Fallback
		}

		if len(rest) > g.Depth {
			rest = rest[:g.Depth]
		}

		return strings.Join(rest, "/")
	}

	return g.Fallback
}

// Sizes counts identifiers per group.
func (g *Grouper) Sizes(ids []string) map[string]int {
	sizes := make(map[string]int, 32)
	for _, id := range ids {
		sizes[g.GroupOf(id)]++
	}

	return sizes
}
