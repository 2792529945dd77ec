package storage

import (
	"sort"

	"github.com/nicktill/tinyexp/pkg/experiment"
)

// SortExperiments orders experiments by start time, newest first, then by id.
func SortExperiments(exps []experiment.Experiment) {
	sort.Slice(exps, func(i, j int) bool {
		if !exps[i].StartedAt.Equal(exps[j].StartedAt) {
			return exps[i].StartedAt.After(exps[j].StartedAt)
		}
		return exps[i].ID < exps[j].ID
	})
}

// LatestPerParameter keeps the newest row for each parameter. Rows must be
// in append order; on equal timestamps the later row wins. Output is sorted
// by parameter name.
func LatestPerParameter(rows []experiment.Recommendation) []experiment.Recommendation {
	latest := make(map[experiment.Parameter]experiment.Recommendation)
	for _, r := range rows {
		prev, ok := latest[r.Parameter]
		if !ok || !r.CreatedAt.Before(prev.CreatedAt) {
			latest[r.Parameter] = r
		}
	}

	out := make([]experiment.Recommendation, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Parameter < out[j].Parameter })
	return out
}
