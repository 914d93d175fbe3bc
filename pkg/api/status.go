package api

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ethpandaops/conformoor/pkg/types"
)

type statusResponse struct {
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	TimedOut  int               `json:"timedOut"`
	Running   []runningResponse `json:"running"`
	Remaining int               `json:"remaining"`
	Workers   int               `json:"workers"`
	TimeoutMS int               `json:"timeoutMs"`
	Groups    []groupResponse   `json:"groups,omitempty"`
}

type runningResponse struct {
	Test      string `json:"test"`
	WorkerID  int    `json:"workerId"`
	ElapsedMS int64  `json:"elapsedMs"`
}

type groupResponse struct {
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	TimedOut  int    `json:"timedOut"`
	Completed int    `json:"completed"`
	Remaining int    `json:"remaining"`
	Percent   int    `json:"percent"`
}

// buildStatus combines recorded outcomes from the store with the pool's
// in-flight set. The store is read before the pool snapshot: a test that
// settles in between is then counted as remaining rather than as both
// running and completed. No pool lock is held while the store is queried.
func (s *server) buildStatus(ctx context.Context) *statusResponse {
	groups, groupsErr := s.deps.Store.AggregateByGroup(ctx, s.groupKey)

	snap := s.deps.Pool.Snapshot()
	now := time.Now()

	resp := &statusResponse{
		Total:     len(s.deps.Catalog),
		Running:   make([]runningResponse, 0, len(snap.Running)),
		Workers:   snap.Workers,
		TimeoutMS: s.deps.TimeoutMS,
	}

	for _, entry := range snap.Running {
		resp.Running = append(resp.Running, runningResponse{
			Test:      entry.Test,
			WorkerID:  entry.WorkerID,
			ElapsedMS: now.Sub(entry.StartTime).Milliseconds(),
		})
	}

	tally := snap.Tally

	if groupsErr != nil {
		s.log.WithError(groupsErr).Warn("Falling back to in-memory tallies")

		groups = nil
	} else {
		tally = types.Tally{}

		for _, g := range groups {
			tally.Passed += g.Passed
			tally.Failed += g.Failed
			tally.TimedOut += g.TimedOut
		}
	}

	resp.Passed = tally.Passed
	resp.Failed = tally.Failed
	resp.TimedOut = tally.TimedOut
	resp.Completed = tally.Completed()
	resp.Remaining = max(0, resp.Total-resp.Completed-len(resp.Running))

	if s.cfg.GroupStats && groups != nil && s.groupSizes != nil {
		resp.Groups = make([]groupResponse, 0, len(s.groupSizes))

		for name, total := range s.groupSizes {
			g := groupResponse{Name: name, Total: total}

			if recorded, ok := groups[name]; ok {
				g.Passed = recorded.Passed
				g.Failed = recorded.Failed
				g.TimedOut = recorded.TimedOut
			}

			g.Completed = g.Passed + g.Failed
			g.Remaining = max(0, g.Total-g.Completed)
			g.Percent = percent(g.Passed, g.Total)

			resp.Groups = append(resp.Groups, g)
		}

		sort.Slice(resp.Groups, func(i, j int) bool {
			return resp.Groups[i].Name < resp.Groups[j].Name
		})
	}

	return resp
}

// groupKey buckets a recorded identifier, leaving out rows that are no
// longer part of the catalog.
func (s *server) groupKey(id string) string {
	if _, ok := s.inCatalog[id]; !ok {
		return ""
	}

	if s.deps.Grouper == nil {
		return "all"
	}

	return s.deps.Grouper.GroupOf(id)
}

func percent(passed, total int) int {
	if total == 0 {
		return 0
	}

	return int(math.Round(100 * float64(passed) / float64(total)))
}
