package facetrack

import (
	"time"

	kalman_filter "github.com/LdDl/kalman-filter"
)

// IdentityID is a persistent identifier of a tracked person. Identifiers are
// monotonic 64-bit values, never reused for the lifetime of a session, even
// across Clear.
type IdentityID uint64

// NoIdentity is the zero id. Real identifiers start from 1.
const NoIdentity IdentityID = 0

/* Kalman smoother props, same tuning as for the blob trackers */
const (
	smootherUx      = 1.0
	smootherUy      = 1.0
	smootherStdDevA = 2.0
	smootherStdDevM = 0.1
)

// Identity is a persistent logical person record, distinct from any single
// detection. All mutation goes through the Store to preserve invariants.
type Identity struct {
	id            IdentityID
	name          string
	locked        bool
	createdAt     time.Time
	mergedInto    IdentityID // 0 means terminal (not merged)
	template      Template
	region        Rectangle
	lastSeenFrame uint64
	smoother      *kalman_filter.Kalman2D
}

// ID returns identity's identifier
func (ident *Identity) ID() IdentityID {
	return ident.id
}

// Name returns the name tag. Empty string means the identity is unnamed.
func (ident *Identity) Name() string {
	return ident.name
}

// Locked reports whether the identity carries the explicit lock flag.
func (ident *Identity) Locked() bool {
	return ident.locked
}

// CreatedAt returns the creation timestamp
func (ident *Identity) CreatedAt() time.Time {
	return ident.createdAt
}

// MergedInto returns the redirect target, or NoIdentity for a terminal identity.
func (ident *Identity) MergedInto() IdentityID {
	return ident.mergedInto
}

// Template returns the last seen face template
func (ident *Identity) Template() Template {
	return ident.template
}

// Region returns the last reported face region (smoothed when smoothing is on)
func (ident *Identity) Region() Rectangle {
	return ident.region
}

// LastSeenFrame returns the frame index of the last observation
func (ident *Identity) LastSeenFrame() uint64 {
	return ident.lastSeenFrame
}

// protected reports whether the identity must survive any purge: explicit
// lock, name tag and redirect records all protect it.
func (ident *Identity) protected() bool {
	return ident.locked || ident.name != "" || ident.mergedInto != NoIdentity
}

func (ident *Identity) initSmoother(dt float64) {
	center := ident.region.Center()
	ident.smoother = kalman_filter.NewKalman2D(
		dt, smootherUx, smootherUy, smootherStdDevA, smootherStdDevM, smootherStdDevM,
		kalman_filter.WithState2D(center.X, center.Y),
	)
}

// observe refreshes the identity with a fresh observation. With smoothing
// enabled the reported region center is run through the Kalman filter while
// width and height follow the measurement.
func (ident *Identity) observe(template Template, region Rectangle, frame uint64, smooth bool, dt float64) error {
	ident.template = template.Clone()
	ident.lastSeenFrame = frame
	if !smooth {
		ident.region = region
		return nil
	}
	if ident.smoother == nil {
		ident.initSmoother(dt)
	}
	ident.smoother.Predict()
	center := region.Center()
	if err := ident.smoother.Update(center.X, center.Y); err != nil {
		return err
	}
	stateX, stateY := ident.smoother.GetState()
	ident.region = Rectangle{
		X:      stateX - region.Width/2.0,
		Y:      stateY - region.Height/2.0,
		Width:  region.Width,
		Height: region.Height,
	}
	return nil
}
