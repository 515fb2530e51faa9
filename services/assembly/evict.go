package assembly

import (
	"sort"
	"time"
)

// enforceCaps bounds engine memory. Sessions beyond maxSessions are
// evicted least-recently-active first, ranked by their latest trace end
// time. When the link table exceeds maxLinks, entries where neither the
// child nor the parent is a tracked session are dropped; links with a live
// endpoint are never dropped, however old, so the table may legitimately
// sit above its cap. Runs between rebuilds only, never mid-rebuild.
func enforceCaps(agg *aggregator, links *linkTable, maxSessions, maxLinks int) (evicted, pruned int) {
	if maxSessions > 0 && len(agg.sessions) > maxSessions {
		type activity struct {
			id   string
			last time.Time
		}
		ranked := make([]activity, 0, len(agg.sessions))
		for conv, traces := range agg.sessions {
			var last time.Time
			for _, tr := range traces {
				if tr.EndTime.After(last) {
					last = tr.EndTime
				}
			}
			ranked = append(ranked, activity{id: conv, last: last})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if !ranked[i].last.Equal(ranked[j].last) {
				return ranked[i].last.Before(ranked[j].last)
			}
			return ranked[i].id < ranked[j].id
		})
		for _, victim := range ranked {
			if len(agg.sessions) <= maxSessions {
				break
			}
			agg.dropSession(victim.id)
			evicted++
		}
	}

	if maxLinks > 0 && links.size() > maxLinks {
		for child, parent := range links.snapshot() {
			_, childTracked := agg.sessions[child]
			_, parentTracked := agg.sessions[parent]
			if !childTracked && !parentTracked {
				links.remove(child)
				pruned++
			}
		}
	}

	return evicted, pruned
}
