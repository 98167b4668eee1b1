package facetrack

import (
	"encoding/gob"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// snapshotVersion guards the on-disk layout.
const snapshotVersion = 1

// IdentityRecord is the persisted form of a single identity.
type IdentityRecord struct {
	ID            uint64
	Name          string
	Locked        bool
	CreatedAt     time.Time
	MergedInto    uint64
	Template      []byte
	Region        Rectangle
	LastSeenFrame uint64
}

// MemorySnapshot is the persisted tracker memory: the full id->record
// mapping plus the next-id and frame counters. It is what SaveMemory writes
// (gob-encoded, zstd-compressed) and RestoreMemory reads.
type MemorySnapshot struct {
	Version int
	NextID  uint64
	Frame   uint64
	Records []IdentityRecord
}

// snapshot captures the full store state.
func (s *Store) snapshot() []IdentityRecord {
	records := make([]IdentityRecord, 0, len(s.identities))
	for _, ident := range s.identities {
		records = append(records, IdentityRecord{
			ID:            uint64(ident.id),
			Name:          ident.name,
			Locked:        ident.locked,
			CreatedAt:     ident.createdAt,
			MergedInto:    uint64(ident.mergedInto),
			Template:      ident.template.Clone(),
			Region:        ident.region,
			LastSeenFrame: ident.lastSeenFrame,
		})
	}
	return records
}

// restoreSnapshot replaces the store contents with the persisted records and
// rebuilds redirect reference counts. Region smoothers are re-seeded lazily
// from the restored regions on the next observation.
func (s *Store) restoreSnapshot(nextID uint64, records []IdentityRecord) error {
	if nextID == 0 {
		return errors.New("snapshot next id must be positive")
	}
	identities := make(map[IdentityID]*Identity, len(records))
	redirectRefs := make(map[IdentityID]int)
	for _, rec := range records {
		id := IdentityID(rec.ID)
		if id == NoIdentity || id >= IdentityID(nextID) {
			return errors.Errorf("snapshot record id %d is out of range (next id %d)", rec.ID, nextID)
		}
		if _, ok := identities[id]; ok {
			return errors.Errorf("snapshot contains duplicate id %d", rec.ID)
		}
		identities[id] = &Identity{
			id:            id,
			name:          rec.Name,
			locked:        rec.Locked,
			createdAt:     rec.CreatedAt,
			mergedInto:    IdentityID(rec.MergedInto),
			template:      Template(rec.Template).Clone(),
			region:        rec.Region,
			lastSeenFrame: rec.LastSeenFrame,
		}
	}
	for _, ident := range identities {
		if ident.mergedInto == NoIdentity {
			continue
		}
		if _, ok := identities[ident.mergedInto]; !ok {
			return errors.Errorf("snapshot redirect %d -> %d is dangling", ident.id, ident.mergedInto)
		}
		redirectRefs[ident.mergedInto]++
		// Redirect chains must terminate, a cycle would hang Resolve
		walked := identities[ident.mergedInto]
		for steps := 0; walked.mergedInto != NoIdentity; steps++ {
			if steps > len(identities) {
				return errors.Errorf("snapshot redirect chain from %d is cyclic", ident.id)
			}
			next, ok := identities[walked.mergedInto]
			if !ok {
				break
			}
			walked = next
		}
	}
	s.identities = identities
	s.redirectRefs = redirectRefs
	s.nextID = IdentityID(nextID)
	return nil
}

// SaveMemory writes the tracker memory to w as a zstd-compressed gob stream.
// Identifier and frame counters are included, so a restored session keeps
// handing out unique ids.
func (t *Tracker) SaveMemory(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	snap := MemorySnapshot{
		Version: snapshotVersion,
		NextID:  uint64(t.store.nextID),
		Frame:   t.frame,
		Records: t.store.snapshot(),
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "can't create compressor")
	}
	if err := gob.NewEncoder(zw).Encode(snap); err != nil {
		_ = zw.Close()
		return errors.Wrap(err, "can't encode tracker memory")
	}
	return errors.Wrap(zw.Close(), "can't flush tracker memory")
}

// RestoreMemory replaces the tracker memory with a previously saved snapshot.
// Accumulated merge streaks do not survive restore.
func (t *Tracker) RestoreMemory(r io.Reader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "can't create decompressor")
	}
	defer zr.Close()
	var snap MemorySnapshot
	if err := gob.NewDecoder(zr).Decode(&snap); err != nil {
		return errors.Wrap(err, "can't decode tracker memory")
	}
	if snap.Version != snapshotVersion {
		return errors.Errorf("unsupported tracker memory version %d", snap.Version)
	}
	if err := t.store.restoreSnapshot(snap.NextID, snap.Records); err != nil {
		return err
	}
	t.resolver.reset()
	t.frame = snap.Frame
	t.state = sessionActive
	t.logger.Info("tracker memory restored", "identities", len(snap.Records), "frame", snap.Frame)
	return nil
}

// SaveMemoryToFile saves the tracker memory to the named file.
func (t *Tracker) SaveMemoryToFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "can't create memory file %s", path)
	}
	if err := t.SaveMemory(file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "can't close memory file %s", path)
}

// RestoreMemoryFromFile loads the tracker memory from the named file.
func (t *Tracker) RestoreMemoryFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "can't open memory file %s", path)
	}
	defer file.Close()
	return t.RestoreMemory(file)
}
