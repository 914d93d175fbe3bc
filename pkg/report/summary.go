package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/conformoor/pkg/catalog"
	"github.com/ethpandaops/conformoor/pkg/store"
)

// Summary is the exported snapshot of recorded outcomes for a catalog.
type Summary struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Total       int            `json:"total"`
	Recorded    int            `json:"recorded"`
	Passed      int            `json:"passed"`
	Failed      int            `json:"failed"`
	TimedOut    int            `json:"timed_out"`
	PassRate    float64        `json:"pass_rate"`
	Groups      []GroupSummary `json:"groups,omitempty"`
}

// GroupSummary is the per-group part of a Summary.
type GroupSummary struct {
	Name     string  `json:"name"`
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	TimedOut int     `json:"timed_out"`
	PassRate float64 `json:"pass_rate"`
}

// BuildSummary aggregates the store over the catalog identifiers. Rows for
// identifiers outside the catalog are ignored. A nil grouper skips groups.
func BuildSummary(
	ctx context.Context,
	st store.Store,
	ids []string,
	grouper *catalog.Grouper,
	now time.Time,
) (*Summary, error) {
	inCatalog := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inCatalog[id] = struct{}{}
	}

	groups, err := st.AggregateByGroup(ctx, func(id string) string {
		if _, ok := inCatalog[id]; !ok {
			return ""
		}

		if grouper == nil {
			return "all"
		}

		return grouper.GroupOf(id)
	})
	if err != nil {
		return nil, fmt.Errorf("aggregating results: %w", err)
	}

	s := &Summary{
		GeneratedAt: now.UTC(),
		Total:       len(ids),
	}

	for _, g := range groups {
		s.Recorded += g.Total
		s.Passed += g.Passed
		s.Failed += g.Failed
		s.TimedOut += g.TimedOut
	}

	s.PassRate = round1(PassRate(s.Passed, s.Total))

	if grouper == nil {
		return s, nil
	}

	sizes := grouper.Sizes(ids)
	s.Groups = make([]GroupSummary, 0, len(sizes))

	for name, total := range sizes {
		gs := GroupSummary{Name: name, Total: total}

		if g, ok := groups[name]; ok {
			gs.Passed = g.Passed
			gs.Failed = g.Failed
			gs.TimedOut = g.TimedOut
		}

		gs.PassRate = round1(PassRate(gs.Passed, gs.Total))
		s.Groups = append(s.Groups, gs)
	}

	sort.Slice(s.Groups, func(i, j int) bool {
		return s.Groups[i].Name < s.Groups[j].Name
	})

	return s, nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
