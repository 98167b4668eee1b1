package facetrack

import (
	"bytes"
	"context"
	"encoding/gob"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackedPair(t *testing.T) (*Tracker, IdentityID, IdentityID) {
	t.Helper()
	engine := newStubEngine(
		[]stubFace{{region: NewRect(0, 0, 10, 10), label: "t1"}},
		[]stubFace{{region: NewRect(50, 0, 10, 10), label: "t2"}},
	)
	params := plainParams()
	params.MatchThreshold = 0.95
	params.MergeThreshold = 0.85
	params.MergeWindow = 1
	tracker, err := NewTracker(engine, WithParams(params))
	require.NoError(t, err)

	first, err := tracker.FeedFrame(context.Background(), testImage())
	require.NoError(t, err)
	// Second face merges into the first one on its frame
	engine.setSim("t1", "t2", 0.92)
	second, err := tracker.FeedFrame(context.Background(), testImage())
	require.NoError(t, err)
	require.Equal(t, first[0].ID, second[0].ID)
	return tracker, first[0].ID, IdentityID(2)
}

func TestMemoryRoundTrip(t *testing.T) {
	tracker, survivor, merged := trackedPair(t)
	require.NoError(t, tracker.SetName(survivor, "alice"))
	require.NoError(t, tracker.LockID(survivor))

	var buf bytes.Buffer
	require.NoError(t, tracker.SaveMemory(&buf))

	restored, err := NewTracker(newStubEngine(
		[]stubFace{{region: NewRect(0, 0, 10, 10), label: "t3"}},
	), WithParams(plainParams()))
	require.NoError(t, err)
	require.NoError(t, restored.RestoreMemory(&buf))

	// Names, locks and redirects survive
	name, err := restored.GetName(survivor)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
	resolved, err := restored.IDReassignment(merged)
	require.NoError(t, err)
	assert.Equal(t, survivor, resolved)
	assert.ErrorIs(t, restored.PurgeID(survivor), ErrProtected)

	count, err := restored.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The id counter survives too: the next identity continues the sequence
	assignments, err := restored.FeedFrame(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, IdentityID(3), assignments[0].ID)
}

func TestMemoryFileRoundTrip(t *testing.T) {
	tracker, survivor, _ := trackedPair(t)
	require.NoError(t, tracker.SetName(survivor, "bob"))

	path := filepath.Join(t.TempDir(), "tracker.mem")
	require.NoError(t, tracker.SaveMemoryToFile(path))

	restored, err := NewTracker(newStubEngine(), WithParams(plainParams()))
	require.NoError(t, err)
	require.NoError(t, restored.RestoreMemoryFromFile(path))

	name, err := restored.GetName(survivor)
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	assert.Error(t, restored.RestoreMemoryFromFile(filepath.Join(t.TempDir(), "missing.mem")))
}

func encodeSnapshot(t *testing.T, snap MemorySnapshot) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(zw).Encode(snap))
	require.NoError(t, zw.Close())
	return &buf
}

func TestRestoreMemoryRejectsBadSnapshots(t *testing.T) {
	tracker, err := NewTracker(newStubEngine(), WithParams(plainParams()))
	require.NoError(t, err)

	// Unsupported version
	buf := encodeSnapshot(t, MemorySnapshot{Version: 99, NextID: 1})
	assert.Error(t, tracker.RestoreMemory(buf))

	// Dangling redirect
	buf = encodeSnapshot(t, MemorySnapshot{
		Version: snapshotVersion,
		NextID:  3,
		Records: []IdentityRecord{
			{ID: 1, MergedInto: 2, CreatedAt: time.Now(), Template: []byte("t1")},
		},
	})
	assert.Error(t, tracker.RestoreMemory(buf))

	// Id beyond the counter
	buf = encodeSnapshot(t, MemorySnapshot{
		Version: snapshotVersion,
		NextID:  1,
		Records: []IdentityRecord{
			{ID: 7, CreatedAt: time.Now(), Template: []byte("t1")},
		},
	})
	assert.Error(t, tracker.RestoreMemory(buf))

	// Garbage input
	assert.Error(t, tracker.RestoreMemory(bytes.NewBufferString("not a snapshot")))

	// Failed restores never clobber the session state
	count, err := tracker.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryCallsOnFreedSession(t *testing.T) {
	tracker, _, _ := trackedPair(t)
	require.NoError(t, tracker.Free())

	var buf bytes.Buffer
	assert.ErrorIs(t, tracker.SaveMemory(&buf), ErrSessionClosed)
	assert.ErrorIs(t, tracker.RestoreMemory(&buf), ErrSessionClosed)
}
