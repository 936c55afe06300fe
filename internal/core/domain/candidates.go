package domain

import "sync"

// PendingCandidateQueue holds remote candidates that arrived before a remote
// description was applied. Drain empties it in one step and replays the
// candidates in arrival order.
type PendingCandidateQueue struct {
	mu    sync.Mutex
	items []ICECandidate
}

func (q *PendingCandidateQueue) Push(c ICECandidate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, c)
}

func (q *PendingCandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes every queued candidate and calls apply for each, oldest
// first. It returns how many candidates were drained. An apply error does not
// stop the drain; errors are collected in order.
func (q *PendingCandidateQueue) Drain(apply func(ICECandidate) error) (int, []error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	var errs []error
	for _, c := range items {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return len(items), errs
}

// Clear discards the queue without applying anything.
func (q *PendingCandidateQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
