package facetrack

import "sort"

// Candidate is a single ranked similarity hit.
type Candidate struct {
	ID    IdentityID
	Score float64
}

// SimilarityIndex ranks existing identities against a query template. Every
// score comes from the external matcher: the index only enumerates candidates
// and keeps the ordering deterministic, it never reimplements the embedding
// comparison. Candidate enumeration is exhaustive over terminal identities,
// so the semantics are identical to brute force.
type SimilarityIndex struct {
	matcher Matcher
	store   *Store
}

// NewSimilarityIndex creates an index over the given store.
func NewSimilarityIndex(matcher Matcher, store *Store) *SimilarityIndex {
	return &SimilarityIndex{
		matcher: matcher,
		store:   store,
	}
}

// Query matches the template against every terminal identity. best is the
// top candidate at score >= highThreshold (nil when there is none); similar
// holds all candidates at score >= lowThreshold, sorted descending by score
// with ties broken by lower id first, then by earliest creation time.
// A matcher failure aborts the query with a collaborator error.
func (idx *SimilarityIndex) Query(template Template, highThreshold, lowThreshold float64) (*Candidate, []Candidate, error) {
	type rankedCandidate struct {
		Candidate
		created int64
	}
	ranked := make([]rankedCandidate, 0)
	for _, ident := range idx.store.terminals() {
		score, err := idx.matcher.Match(template, ident.template)
		if err != nil {
			return nil, nil, collaboratorFailure("match", err)
		}
		if score < lowThreshold && score < highThreshold {
			continue
		}
		ranked = append(ranked, rankedCandidate{
			Candidate: Candidate{ID: ident.id, Score: score},
			created:   ident.createdAt.UnixNano(),
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].ID != ranked[j].ID {
			return ranked[i].ID < ranked[j].ID
		}
		return ranked[i].created < ranked[j].created
	})

	var best *Candidate
	similar := make([]Candidate, 0, len(ranked))
	for _, rc := range ranked {
		if best == nil && rc.Score >= highThreshold {
			c := rc.Candidate
			best = &c
		}
		if rc.Score >= lowThreshold {
			similar = append(similar, rc.Candidate)
		}
	}
	return best, similar, nil
}
