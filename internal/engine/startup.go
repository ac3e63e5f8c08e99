package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Requirement names a model and the components that run on it.
type Requirement struct {
	Model string
	Users []string
}

// MergeRequirements folds requirements naming the same model into one, users
// sorted and deduplicated, models in first-seen order. Empty models are dropped.
func MergeRequirements(reqs ...Requirement) []Requirement {
	var out []Requirement
	at := map[string]int{}
	for _, r := range reqs {
		if r.Model == "" {
			continue
		}
		i, ok := at[r.Model]
		if !ok {
			i = len(out)
			at[r.Model] = i
			out = append(out, Requirement{Model: r.Model})
		}
		out[i].Users = append(out[i].Users, r.Users...)
	}
	for i := range out {
		sort.Strings(out[i].Users)
		out[i].Users = dedupSorted(out[i].Users)
	}
	return out
}

func dedupSorted(s []string) []string {
	if len(s) < 2 {
		return s
	}
	j := 1
	for i := 1; i < len(s); i++ {
		if s[i] != s[j-1] {
			s[j] = s[i]
			j++
		}
	}
	return s[:j]
}

// EnsureReady checks that the backend is reachable and that every required
// model is present, pulling missing ones with progress written to w. Each
// model is checked once however many components use it.
func EnsureReady(ctx context.Context, m Models, reqs []Requirement, w io.Writer) error {
	if !m.IsRunning(ctx) {
		return fmt.Errorf("model backend is not running; start it with: ollama serve")
	}

	for _, r := range MergeRequirements(reqs...) {
		label := r.Model
		if len(r.Users) > 0 {
			label += " (" + strings.Join(r.Users, ", ") + ")"
		}
		if m.HasModel(ctx, r.Model) {
			fmt.Fprintf(w, "model %s: ready\n", label)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", label)
		err := m.PullModel(ctx, r.Model, func(p PullProgress) {
			if p.Total > 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
				return
			}
			fmt.Fprintf(w, "  %s\n", p.Status)
		})
		if err != nil {
			return fmt.Errorf("pulling model %s for %s: %w", r.Model, strings.Join(r.Users, ", "), err)
		}
		fmt.Fprintf(w, "model %s: ready\n", label)
	}
	return nil
}
