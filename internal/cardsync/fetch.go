package cardsync

import (
	"context"
	"sort"
	"sync"

	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/remote"
)

const DefaultFetchWorkers = 4

type fetchJob struct {
	ref remote.ResourceRef
	// cached is the card bound to ref.Href before the pass, nil for new resources
	cached *card.Card
}

type fetchResult struct {
	job fetchJob
	res *remote.Resource
	err error
}

// fetchAll downloads the jobs with a bounded pool of workers and returns the
// results ordered by href.
func (r *Reconciler) fetchAll(ctx context.Context, jobs []fetchJob) []fetchResult {
	if len(jobs) == 0 {
		return nil
	}

	workers := min(r.workers, len(jobs))
	jobCh := make(chan fetchJob)
	resultCh := make(chan fetchResult, len(jobs))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				res, err := r.remote.Fetch(ctx, job.ref.Href)
				resultCh <- fetchResult{job: job, res: res, err: err}
			}
		}()
	}

	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()
	close(resultCh)

	results := make([]fetchResult, 0, len(jobs))
	for res := range resultCh {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].job.ref.Href < results[j].job.ref.Href })
	return results
}
