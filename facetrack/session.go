package facetrack

import (
	"context"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// sessionState models the tracker session lifecycle:
// Created -> Active (ingesting frames) -> Cleared -> Active ... ; Freed is
// terminal, every later call fails with ErrSessionClosed.
type sessionState int

const (
	sessionCreated sessionState = iota
	sessionActive
	sessionCleared
	sessionFreed
)

type options struct {
	params Params
	logger *slog.Logger
	err    error
}

// Option configures tracker construction.
type Option func(*options)

// WithParams overrides the default tracker parameters.
func WithParams(params Params) Option {
	return func(o *options) {
		o.params = params
	}
}

// WithParamString applies a legacy "name=value;" parameter string on top of
// the defaults. Parsing happens once here at the boundary; the rest of the
// tracker only ever sees the typed Params.
func WithParamString(s string) Option {
	return func(o *options) {
		params, err := ParseParams(s)
		if err != nil {
			o.err = err
			return
		}
		o.params = params
	}
}

// WithLogger sets the structured logger. Log output is discarded by default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Tracker is a single identity tracking session over an external recognition
// engine. One exclusive lock guards the identity store and the similarity
// index together, since merge decisions must see a consistent snapshot of
// both. Detection and template extraction run outside the lock and may
// overlap across frames; the assignment step is serialized per session.
type Tracker struct {
	mu        sync.Mutex
	sessionID uuid.UUID
	engine    Engine
	params    Params
	store     *Store
	index     *SimilarityIndex
	resolver  *MergeResolver
	logger    *slog.Logger
	state     sessionState
	frame     uint64
}

// NewTracker creates a tracker session bound to the given engine.
func NewTracker(engine Engine, opts ...Option) (*Tracker, error) {
	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	o := options{
		params: DefaultParams(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.err != nil {
		return nil, o.err
	}
	if err := o.params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker parameters")
	}
	store := NewStore(o.params)
	index := NewSimilarityIndex(engine, store)
	tracker := &Tracker{
		sessionID: uuid.New(),
		engine:    engine,
		params:    o.params,
		store:     store,
		index:     index,
		resolver:  NewMergeResolver(store, index, o.params),
		state:     sessionCreated,
	}
	tracker.logger = o.logger.With("session", tracker.sessionID.String())
	tracker.logger.Info("tracker session created", "algorithm", string(o.params.Algorithm))
	return tracker, nil
}

// SessionID returns the unique handle of this tracker session.
func (t *Tracker) SessionID() uuid.UUID {
	return t.sessionID
}

// Params returns the session's effective parameters.
func (t *Tracker) Params() Params {
	return t.params
}

// guard must be called with the mutex held.
func (t *Tracker) guard() error {
	if t.state == sessionFreed {
		return errors.WithStack(ErrSessionClosed)
	}
	return nil
}

// FeedFrame runs detection and template extraction on the image via the
// external engine, then attaches every detected face to a persistent
// identity. Returned assignments carry post-merge identifiers. A failing
// engine call abandons the whole frame: no partial identity creation is ever
// visible, and the session stays usable for the next frame.
func (t *Tracker) FeedFrame(ctx context.Context, img image.Image) ([]Assignment, error) {
	t.mu.Lock()
	if err := t.guard(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	// Collaborator calls run unlocked: they own no shared state and frames
	// may overlap here
	regions, err := t.engine.Detect(ctx, img)
	if err != nil {
		return nil, collaboratorFailure("detect", err)
	}
	observations := make([]Observation, 0, len(regions))
	for _, region := range regions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		template, err := t.engine.ExtractTemplate(ctx, img, region)
		if err != nil {
			return nil, collaboratorFailure("extract template", err)
		}
		observations = append(observations, Observation{Region: region, Template: template})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// The session may have been freed while the engine was busy
	if err := t.guard(); err != nil {
		return nil, err
	}
	t.frame++
	assignments, err := t.resolver.AssignFrame(t.frame, observations)
	if err != nil {
		return nil, err
	}
	t.state = sessionActive

	fresh := 0
	for _, a := range assignments {
		if a.New {
			fresh++
		}
	}
	t.logger.Debug("frame ingested", "frame", t.frame, "faces", len(assignments), "new_identities", fresh)
	return assignments, nil
}

// LockID protects the identity from any purge until unlocked.
func (t *Tracker) LockID(id IdentityID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	return t.store.Lock(id)
}

// UnlockID makes the identity purge-eligible again, unless it carries a name.
func (t *Tracker) UnlockID(id IdentityID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	return t.store.Unlock(id)
}

// SetName tags the identity with a name; a named identity is protected from
// purge as if perpetually locked. Empty name erases the tag.
func (t *Tracker) SetName(id IdentityID, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	return t.store.SetName(id, name)
}

// GetName returns the identity's name tag, empty when unset.
func (t *Tracker) GetName(id IdentityID) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return "", err
	}
	return t.store.Name(id)
}

// GetAllNames returns the identity's name united with the names of every
// identity merged into it.
func (t *Tracker) GetAllNames(id IdentityID) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.store.AllNames(id)
}

// SimilarIDList returns identities similar to the given one, sorted by score
// descending. The queried identity itself is excluded.
func (t *Tracker) SimilarIDList(id IdentityID) ([]Candidate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}
	ident, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}
	_, similar, err := t.index.Query(ident.Template(), t.params.SimilarThreshold, t.params.SimilarThreshold)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(similar))
	for _, c := range similar {
		if c.ID == ident.ID() {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// IDReassignment resolves an identifier obtained on previous frames to its
// current identity, following any merges that happened since.
func (t *Tracker) IDReassignment(id IdentityID) (IdentityID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return NoIdentity, err
	}
	return t.store.Resolve(id)
}

// PurgeID removes a single unprotected identity record.
func (t *Tracker) PurgeID(id IdentityID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	return t.store.Purge(id)
}

// PurgeStale evicts unprotected identities per the policy and returns the
// purged ids. A zero policy capacity falls back to the session's MemoryLimit
// parameter.
func (t *Tracker) PurgeStale(policy PurgePolicy) ([]IdentityID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}
	if policy.Capacity == 0 {
		policy.Capacity = t.params.MemoryLimit
	}
	purged := t.store.PurgeStale(policy, t.frame)
	t.logger.Debug("stale identities purged", "count", len(purged))
	return purged, nil
}

// Count returns the number of identity records held by the session,
// redirects included.
func (t *Tracker) Count() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return 0, err
	}
	return t.store.Count(), nil
}

// Clear purges all identities including protected ones. Identifiers are NOT
// reset: ids handed out after Clear continue the same monotonic sequence.
func (t *Tracker) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	t.store.Clear()
	t.resolver.reset()
	t.state = sessionCleared
	t.logger.Info("tracker memory cleared")
	return nil
}

// Free tears the session down. Freed is terminal: any later call, Free
// included, fails with ErrSessionClosed. An in-flight frame observes the
// freed state before mutating anything.
func (t *Tracker) Free() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	t.store.Clear()
	t.resolver.reset()
	t.state = sessionFreed
	t.logger.Info("tracker session freed")
	return nil
}
