package facetrack

import (
	"sort"

	"github.com/arthurkushman/go-hungarian"
	"github.com/pkg/errors"
)

// Assignment is the outcome of attaching one frame observation to an identity.
type Assignment struct {
	// ID is the identity the observation was attached to, resolved through
	// any merges triggered by the same frame.
	ID IdentityID
	// Region is the reported face region (smoothed when smoothing is on).
	Region Rectangle
	// Score is the matcher similarity for attached observations, 0 for new identities.
	Score float64
	// New reports whether the observation spawned a fresh identity.
	New bool
}

// pairKey identifies an unordered identity pair; a < b always.
type pairKey struct {
	a IdentityID
	b IdentityID
}

func makePairKey(x, y IdentityID) pairKey {
	if x < y {
		return pairKey{a: x, b: y}
	}
	return pairKey{a: y, b: x}
}

// MergeResolver decides, per frame, whether each observation attaches to an
// existing identity or spawns a new one, and detects identity pairs that keep
// showing strong mutual similarity over consecutive frames. Such pairs are
// merged with a deterministic direction: the lower (older) id always
// survives, regardless of which identity triggered the event.
type MergeResolver struct {
	store  *Store
	index  *SimilarityIndex
	params Params
	// Consecutive-frame similarity streaks per identity pair
	streaks map[pairKey]int
}

// NewMergeResolver creates a resolver over the given store and index.
func NewMergeResolver(store *Store, index *SimilarityIndex, params Params) *MergeResolver {
	return &MergeResolver{
		store:   store,
		index:   index,
		params:  params,
		streaks: make(map[pairKey]int),
	}
}

// observationRank holds the pre-computed index query for one observation.
type observationRank struct {
	best    *Candidate
	similar []Candidate
}

// AssignFrame ingests one frame worth of observations. All matcher calls run
// before any store mutation, so a collaborator failure abandons the frame
// atomically with no partial identity creation visible.
func (r *MergeResolver) AssignFrame(frame uint64, observations []Observation) ([]Assignment, error) {
	lowThreshold := r.params.MergeThreshold
	if r.params.SimilarThreshold < lowThreshold {
		lowThreshold = r.params.SimilarThreshold
	}
	ranks := make([]observationRank, len(observations))
	for i, obs := range observations {
		best, similar, err := r.index.Query(obs.Template, r.params.MatchThreshold, lowThreshold)
		if err != nil {
			return nil, err
		}
		ranks[i] = observationRank{best: best, similar: similar}
	}

	var matches map[int]Candidate
	if r.params.Algorithm == MatchingAlgorithmHungarian {
		matches = r.matchHungarian(observations, ranks)
	} else {
		matches = r.matchGreedy(observations, ranks)
	}

	assignments := make([]Assignment, len(observations))
	assigned := make(map[IdentityID]struct{}, len(observations))
	for i, obs := range observations {
		if match, ok := matches[i]; ok {
			if err := r.store.Observe(match.ID, obs.Template, obs.Region, frame); err != nil {
				return nil, err
			}
			assignments[i] = Assignment{ID: match.ID, Score: match.Score}
			assigned[match.ID] = struct{}{}
			continue
		}
		id := r.store.Create(obs.Template, obs.Region, frame)
		assignments[i] = Assignment{ID: id, New: true}
		assigned[id] = struct{}{}
	}

	if err := r.advanceStreaks(ranks, assignments, assigned); err != nil {
		return nil, err
	}

	// Report post-merge ids and smoothed regions
	for i := range assignments {
		ident, err := r.store.Get(assignments[i].ID)
		if err != nil {
			return nil, err
		}
		assignments[i].ID = ident.ID()
		assignments[i].Region = ident.Region()
	}
	return assignments, nil
}

// matchGreedy pops observations from a max-heap of their best candidates, so
// every identity is claimed by the observation matching it strongest. An
// observation losing its candidate to an earlier pop spawns a new identity.
func (r *MergeResolver) matchGreedy(observations []Observation, ranks []observationRank) map[int]Candidate {
	matches := make(map[int]Candidate, len(observations))
	priorityQueue := make(scoreHeap, 0, len(observations))
	for i := range observations {
		if ranks[i].best == nil {
			continue
		}
		priorityQueue.Push(&scoredObservation{
			obsIndex: i,
			id:       ranks[i].best.ID,
			score:    ranks[i].best.Score,
		})
	}
	reserved := make(map[IdentityID]struct{}, len(observations))
	for priorityQueue.Len() > 0 {
		popped := priorityQueue.Pop()
		// Max-heap guarantees each identity goes to its strongest observation
		// exactly once; later observations with the same candidate fall
		// through to identity creation.
		if _, ok := reserved[popped.id]; ok {
			continue
		}
		reserved[popped.id] = struct{}{}
		matches[popped.obsIndex] = Candidate{ID: popped.id, Score: popped.score}
	}
	return matches
}

// matchHungarian solves the optimal assignment over the frame's full score
// matrix. Pairs below MatchThreshold are discarded after the solve.
func (r *MergeResolver) matchHungarian(observations []Observation, ranks []observationRank) map[int]Candidate {
	matches := make(map[int]Candidate, len(observations))
	if len(observations) == 0 {
		return matches
	}

	// Columns are the union of ranked candidates, ascending id for determinism
	candidateSet := make(map[IdentityID]struct{})
	for _, rank := range ranks {
		for _, c := range rank.similar {
			candidateSet[c.ID] = struct{}{}
		}
	}
	if len(candidateSet) == 0 {
		return matches
	}
	candidateIDs := make([]IdentityID, 0, len(candidateSet))
	for id := range candidateSet {
		candidateIDs = append(candidateIDs, id)
	}
	sort.Slice(candidateIDs, func(i, j int) bool { return candidateIDs[i] < candidateIDs[j] })
	columns := make(map[IdentityID]int, len(candidateIDs))
	for col, id := range candidateIDs {
		columns[id] = col
	}

	// Square matrix padded with zero scores
	size := len(observations)
	if len(candidateIDs) > size {
		size = len(candidateIDs)
	}
	matrix := make([][]float64, size)
	for i := range matrix {
		matrix[i] = make([]float64, size)
	}
	for i, rank := range ranks {
		for _, c := range rank.similar {
			matrix[i][columns[c.ID]] = c.Score
		}
	}

	for obsIndex, row := range hungarian.SolveMax(matrix) {
		if obsIndex >= len(observations) {
			continue
		}
		for col := range row {
			if col >= len(candidateIDs) {
				continue
			}
			score := matrix[obsIndex][col]
			if score >= r.params.MatchThreshold {
				matches[obsIndex] = Candidate{ID: candidateIDs[col], Score: score}
			}
		}
	}
	return matches
}

// advanceStreaks bumps the consecutive-frame streak for every (assigned,
// similar-but-unobserved) identity pair at MergeThreshold or above, merges
// pairs whose streak reached MergeWindow and resets streaks that were not
// renewed by this frame. Two identities both observed on the same frame are
// distinct physical faces and never accumulate a streak.
func (r *MergeResolver) advanceStreaks(ranks []observationRank, assignments []Assignment, assigned map[IdentityID]struct{}) error {
	touched := make(map[pairKey]struct{})
	for i, rank := range ranks {
		assignedID := assignments[i].ID
		for _, c := range rank.similar {
			if c.Score < r.params.MergeThreshold || c.ID == assignedID {
				continue
			}
			if _, observed := assigned[c.ID]; observed {
				continue
			}
			key := makePairKey(assignedID, c.ID)
			if _, ok := touched[key]; ok {
				continue
			}
			touched[key] = struct{}{}
			r.streaks[key]++
			if r.streaks[key] < r.params.MergeWindow {
				continue
			}
			delete(r.streaks, key)
			delete(touched, key)
			// Lower id is the older identity and always survives
			if _, err := r.store.Merge(key.b, key.a); err != nil {
				// The pair may already resolve to one identity via an
				// earlier merge on this frame
				if errors.Is(err, ErrInvalidMerge) {
					continue
				}
				return err
			}
		}
	}
	for key := range r.streaks {
		if _, ok := touched[key]; !ok {
			delete(r.streaks, key)
		}
	}
	return nil
}

// reset drops accumulated merge streaks (used by Clear and memory restore).
func (r *MergeResolver) reset() {
	r.streaks = make(map[pairKey]int)
}
