package facetrack

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Store is the exclusive owner of all identity records. It is not safe for
// concurrent use on its own: the owning Tracker serializes access together
// with the similarity index, since merge decisions must see a consistent
// snapshot of both.
type Store struct {
	identities map[IdentityID]*Identity
	// Inbound redirect counts. An identity referenced here is a merge target
	// of at least one other record and can not be purged.
	redirectRefs map[IdentityID]int
	nextID       IdentityID
	smooth       bool
	frameDT      float64
	now          func() time.Time
}

// NewStore creates an empty identity store configured by tracker parameters.
func NewStore(params Params) *Store {
	return &Store{
		identities:   make(map[IdentityID]*Identity),
		redirectRefs: make(map[IdentityID]int),
		nextID:       1,
		smooth:       params.SmoothRegions,
		frameDT:      params.FrameInterval,
		now:          time.Now,
	}
}

// Create allocates the next monotonic identifier and stores a fresh unlocked,
// unnamed identity with the given initial observation.
func (s *Store) Create(template Template, region Rectangle, frame uint64) IdentityID {
	id := s.nextID
	s.nextID++
	ident := &Identity{
		id:            id,
		createdAt:     s.now(),
		template:      template.Clone(),
		region:        region,
		lastSeenFrame: frame,
	}
	if s.smooth {
		ident.initSmoother(s.frameDT)
	}
	s.identities[id] = ident
	return id
}

// Resolve follows the mergedInto redirect chain to the terminal identity.
// Chains are acyclic by construction, so the walk is bounded by the number of
// merges ever performed on the lineage.
func (s *Store) Resolve(id IdentityID) (IdentityID, error) {
	ident, ok := s.identities[id]
	if !ok {
		return NoIdentity, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	for ident.mergedInto != NoIdentity {
		ident = s.identities[ident.mergedInto]
	}
	return ident.id, nil
}

// Get returns the identity record resolved from the given id.
func (s *Store) Get(id IdentityID) (*Identity, error) {
	terminal, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}
	return s.identities[terminal], nil
}

// Observe refreshes the resolved identity with a fresh observation.
func (s *Store) Observe(id IdentityID, template Template, region Rectangle, frame uint64) error {
	ident, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := ident.observe(template, region, frame, s.smooth, s.frameDT); err != nil {
		return errors.Wrapf(err, "can't refresh identity %d", ident.id)
	}
	return nil
}

// Lock sets the explicit lock flag on the resolved identity. Idempotent.
func (s *Store) Lock(id IdentityID) error {
	ident, err := s.Get(id)
	if err != nil {
		return err
	}
	ident.locked = true
	return nil
}

// Unlock drops the explicit lock flag on the resolved identity. Idempotent.
// A name tag keeps protecting the identity independently of the lock.
func (s *Store) Unlock(id IdentityID) error {
	ident, err := s.Get(id)
	if err != nil {
		return err
	}
	ident.locked = false
	return nil
}

// SetName tags the resolved identity with a name. Empty string erases the
// tag; erasing also drops the explicit lock flag so the identity becomes
// purge-eligible again.
func (s *Store) SetName(id IdentityID, name string) error {
	ident, err := s.Get(id)
	if err != nil {
		return err
	}
	ident.name = name
	if name == "" {
		ident.locked = false
	}
	return nil
}

// Name returns the name tag of the resolved identity.
func (s *Store) Name(id IdentityID) (string, error) {
	ident, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return ident.name, nil
}

// AllNames returns the resolved identity's name united with names of every
// identity that redirects into it, in ascending id order.
func (s *Store) AllNames(id IdentityID) ([]string, error) {
	terminal, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}
	ids := make([]IdentityID, 0)
	for otherID, other := range s.identities {
		if other.name == "" {
			continue
		}
		// Redirect chains are short, resolving per record is fine here
		resolved, _ := s.Resolve(otherID)
		if resolved == terminal {
			ids = append(ids, otherID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, len(ids))
	for i, nameID := range ids {
		names[i] = s.identities[nameID].name
	}
	return names, nil
}

// Merge redirects the source identity into the target. Both sides are
// resolved to their terminal form first, so chains never branch and a cycle
// can not be formed. Self-merge after resolution fails with ErrInvalidMerge.
// Returns the surviving (target) terminal id.
func (s *Store) Merge(source, target IdentityID) (IdentityID, error) {
	terminalSource, err := s.Resolve(source)
	if err != nil {
		return NoIdentity, err
	}
	terminalTarget, err := s.Resolve(target)
	if err != nil {
		return NoIdentity, err
	}
	if terminalSource == terminalTarget {
		return NoIdentity, errors.Wrapf(ErrInvalidMerge, "%d and %d resolve to the same identity", source, target)
	}
	s.identities[terminalSource].mergedInto = terminalTarget
	s.redirectRefs[terminalTarget]++
	return terminalTarget, nil
}

// Purge removes a single identity record. Locked, named, merged-away and
// redirect-target identities are all protected and fail with ErrProtected.
// The id is not resolved: purge acts on the exact record.
func (s *Store) Purge(id IdentityID) error {
	ident, ok := s.identities[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "id %d", id)
	}
	if ident.protected() {
		return errors.Wrapf(ErrProtected, "id %d", id)
	}
	if s.redirectRefs[id] > 0 {
		return errors.Wrapf(ErrProtected, "id %d is a redirect target", id)
	}
	delete(s.identities, id)
	return nil
}

// PurgePolicy configures stale identity eviction.
type PurgePolicy struct {
	// StaleAfter purges identities not observed for more than the given
	// number of frames. Zero disables the age bound.
	StaleAfter uint64
	// Capacity keeps at most this many purge-eligible identities, evicting
	// the least recently seen first. Zero disables the capacity bound.
	Capacity int
}

// PurgeStale evicts unprotected identities per the policy and returns the
// purged ids. currentFrame is the tracker's frame counter.
func (s *Store) PurgeStale(policy PurgePolicy, currentFrame uint64) []IdentityID {
	eligible := make([]*Identity, 0)
	for id, ident := range s.identities {
		if ident.protected() || s.redirectRefs[id] > 0 {
			continue
		}
		eligible = append(eligible, ident)
	}
	// Least recently seen first, ties by lower id
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].lastSeenFrame != eligible[j].lastSeenFrame {
			return eligible[i].lastSeenFrame < eligible[j].lastSeenFrame
		}
		return eligible[i].id < eligible[j].id
	})

	excess := 0
	if policy.Capacity > 0 && len(eligible) > policy.Capacity {
		excess = len(eligible) - policy.Capacity
	}
	purged := make([]IdentityID, 0)
	for i, ident := range eligible {
		stale := policy.StaleAfter > 0 && currentFrame-ident.lastSeenFrame > policy.StaleAfter
		if i < excess || stale {
			delete(s.identities, ident.id)
			purged = append(purged, ident.id)
		}
	}
	return purged
}

// Clear purges every identity including protected ones. The id counter is
// NOT reset: identifiers stay unique for the session lifetime.
func (s *Store) Clear() {
	s.identities = make(map[IdentityID]*Identity)
	s.redirectRefs = make(map[IdentityID]int)
}

// Count returns the number of identity records, redirects included.
func (s *Store) Count() int {
	return len(s.identities)
}

// terminals returns all un-merged identities in ascending id order. The
// deterministic order backs the index's tie-breaking guarantees.
func (s *Store) terminals() []*Identity {
	out := make([]*Identity, 0, len(s.identities))
	for _, ident := range s.identities {
		if ident.mergedInto == NoIdentity {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
