package cardsync

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/remote"
)

// syncPlan is the outcome of comparing the cached cards with a remote listing.
type syncPlan struct {
	// remote indexes the listing by href
	remote map[string]remote.ResourceRef

	// RemoteDeleted are cached cards whose href is no longer listed.
	RemoteDeleted []*card.Card
	// RemoteChanged are cached cards whose listed etag differs.
	RemoteChanged []fetchJob
	// RemoteNew are listed hrefs no cached card is bound to.
	RemoteNew []fetchJob
	// Untracked are listed hrefs without an etag. Cached cards bound to
	// them are left alone.
	Untracked []string
	Unchanged int
}

// Listed reports whether href is present in the remote listing.
func (p *syncPlan) Listed(href string) bool {
	_, ok := p.remote[href]
	return ok
}

// Fetches returns every resource whose body must be fetched, ordered by href.
func (p *syncPlan) Fetches() []fetchJob {
	jobs := make([]fetchJob, 0, len(p.RemoteChanged)+len(p.RemoteNew))
	jobs = append(jobs, p.RemoteChanged...)
	jobs = append(jobs, p.RemoteNew...)
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ref.Href < jobs[j].ref.Href })
	return jobs
}

// classify compares cached cards against the listing. Pending cards (no href)
// take no part. It does no I/O.
func classify(cached []*card.Card, listed []remote.ResourceRef) *syncPlan {
	plan := &syncPlan{remote: make(map[string]remote.ResourceRef, len(listed))}

	remoteHrefs := mapset.NewThreadUnsafeSet[string]()
	untracked := mapset.NewThreadUnsafeSet[string]()
	for _, ref := range listed {
		plan.remote[ref.Href] = ref
		if ref.ETag == "" {
			untracked.Add(ref.Href)
			continue
		}
		remoteHrefs.Add(ref.Href)
	}

	cachedHrefs := mapset.NewThreadUnsafeSet[string]()
	for _, c := range cached {
		if !c.IsSynced() {
			continue
		}
		cachedHrefs.Add(c.Href)

		ref, ok := plan.remote[c.Href]
		switch {
		case untracked.Contains(c.Href):
		case !ok:
			plan.RemoteDeleted = append(plan.RemoteDeleted, c)
		case ref.ETag != c.ETag:
			plan.RemoteChanged = append(plan.RemoteChanged, fetchJob{ref: ref, cached: c})
		default:
			plan.Unchanged++
		}
	}

	newHrefs := remoteHrefs.Difference(cachedHrefs).ToSlice()
	sort.Strings(newHrefs)
	for _, href := range newHrefs {
		plan.RemoteNew = append(plan.RemoteNew, fetchJob{ref: plan.remote[href]})
	}

	plan.Untracked = untracked.ToSlice()
	sort.Strings(plan.Untracked)

	sort.Slice(plan.RemoteDeleted, func(i, j int) bool { return plan.RemoteDeleted[i].UID < plan.RemoteDeleted[j].UID })
	return plan
}
