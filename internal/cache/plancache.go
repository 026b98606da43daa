// Package cache holds the process-wide best-plan cache. Lookups match
// incoming goals against previously solved ones by string similarity so a
// near-identical goal can reuse a proven plan instead of generating one.
package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"stackvm/internal/async"
	"stackvm/internal/logging"
)

// DefaultSimilarityCutoff is the minimum goal similarity for a cache hit.
const DefaultSimilarityCutoff = 0.95

const (
	refreshInterval = 24 * time.Hour
	warmupDelay     = 10 * time.Second
)

// Entry is one cached goal with its proven plan.
type Entry struct {
	Goal           string            `json:"goal"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	BestPlan       json.RawMessage   `json:"best_plan,omitempty"`
}

// Hit is a lookup result. Matched means both similarity and response
// language agreed; otherwise Entry is only a reference for few-shot use.
type Hit struct {
	Matched bool
	Entry   Entry
}

// Loader fetches the current entry set from persistent storage.
type Loader func(ctx context.Context) ([]Entry, error)

// snapshot is the immutable state readers see. Writers build a new one and
// swap the pointer under the mutex.
type snapshot struct {
	byNorm map[string]Entry
	norms  []string
}

// PlanCache is the process-wide singleton service.
type PlanCache struct {
	loader Loader
	cutoff float64
	logger logging.Logger

	mu      sync.Mutex
	current *snapshot
}

// NewPlanCache builds an empty cache. cutoff ≤ 0 selects the default.
func NewPlanCache(loader Loader, cutoff float64) *PlanCache {
	if cutoff <= 0 {
		cutoff = DefaultSimilarityCutoff
	}
	return &PlanCache{
		loader:  loader,
		cutoff:  cutoff,
		logger:  logging.NewComponentLogger("PlanCache"),
		current: &snapshot{byNorm: map[string]Entry{}},
	}
}

var trailingPunctuation = regexp.MustCompile(`[.,!?]+$`)

// NormalizeGoal trims whitespace, strips trailing punctuation and lowers
// the case, so near-identical goals collide.
func NormalizeGoal(goal string) string {
	goal = strings.TrimSpace(goal)
	goal = trailingPunctuation.ReplaceAllString(goal, "")
	return strings.ToLower(goal)
}

// Refresh replaces the snapshot with freshly loaded entries.
func (c *PlanCache) Refresh(ctx context.Context) error {
	entries, err := c.loader(ctx)
	if err != nil {
		return err
	}
	next := &snapshot{byNorm: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		norm := NormalizeGoal(entry.Goal)
		if norm == "" {
			continue
		}
		if _, exists := next.byNorm[norm]; exists {
			continue
		}
		next.byNorm[norm] = entry
		next.norms = append(next.norms, norm)
	}

	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	c.logger.Info("Plan cache refreshed with %d goals", len(next.norms))
	return nil
}

// StartRefresher refreshes after a short warm-up and then once per day
// until ctx is cancelled.
func (c *PlanCache) StartRefresher(ctx context.Context) {
	async.Go(c.logger, "plan-cache-refresher", func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(warmupDelay):
		}
		if err := c.Refresh(ctx); err != nil {
			c.logger.Error("Initial plan cache refresh failed: %v", err)
		}

		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Error("Plan cache refresh failed: %v", err)
				}
			}
		}
	})
}

// Add inserts one entry into the current snapshot.
func (c *PlanCache) Add(entry Entry) {
	norm := NormalizeGoal(entry.Goal)
	if norm == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.current.byNorm[norm]; exists {
		return
	}
	next := &snapshot{
		byNorm: make(map[string]Entry, len(c.current.byNorm)+1),
		norms:  append(append([]string(nil), c.current.norms...), norm),
	}
	for k, v := range c.current.byNorm {
		next.byNorm[k] = v
	}
	next.byNorm[norm] = entry
	c.current = next
}

// Lookup finds the cached plan closest to goal. Among goals above the
// similarity cutoff, a candidate whose response-format language matches the
// query wins; otherwise the top similar goal is returned as a reference
// with Matched=false.
func (c *PlanCache) Lookup(goal string, responseFormat map[string]string) *Hit {
	norm := NormalizeGoal(goal)
	if norm == "" {
		return nil
	}

	c.mu.Lock()
	snap := c.current
	c.mu.Unlock()

	type scored struct {
		norm  string
		score float64
	}
	var matches []scored
	for _, candidate := range snap.norms {
		if score := similarity(norm, candidate); score >= c.cutoff {
			matches = append(matches, scored{candidate, score})
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	queryLang := languageOf(responseFormat)
	for _, match := range matches {
		candidate := snap.byNorm[match.norm]
		candidateLang := languageOf(candidate.ResponseFormat)
		if queryLang != "" && candidateLang != "" && queryLang == candidateLang {
			c.logger.Info("Reusing the cached plan of goal %s", candidate.Goal)
			return &Hit{Matched: true, Entry: candidate}
		}
	}
	return &Hit{Matched: false, Entry: snap.byNorm[matches[0].norm]}
}

func languageOf(responseFormat map[string]string) string {
	if responseFormat == nil {
		return ""
	}
	if lang, ok := responseFormat["Lang"]; ok {
		return lang
	}
	return responseFormat["lang"]
}

// similarity is the ratio of matched characters to total length, in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	common := 0
	for _, diff := range diffs {
		if diff.Type == diffmatchpatch.DiffEqual {
			common += len(diff.Text)
		}
	}
	return 2 * float64(common) / float64(len(a)+len(b))
}
