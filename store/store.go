// Package store persists the last synchronized settings snapshot per
// device, so diagnostic tooling can inspect configuration while a device
// is offline.
package store

import (
	"time"

	"github.com/asdine/storm"

	"github.com/perimetric/cansense/canbus"
	"github.com/perimetric/cansense/settings"
)

// Snapshot is one persisted settings map.
type Snapshot struct {
	Device  string `storm:"id"`
	Bus     int
	Type    uint8
	ID      uint8
	Values  map[uint8]uint64
	SavedAt time.Time
}

// Store wraps the bolt-backed database.
type Store struct {
	db *storm.DB
}

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSettings upserts a device's settings snapshot.
func (s *Store) SaveSettings(device string, addr canbus.DeviceAddress, values map[uint8]settings.Value) error {
	snap := Snapshot{
		Device:  device,
		Bus:     addr.Bus,
		Type:    addr.Type,
		ID:      addr.ID,
		Values:  make(map[uint8]uint64, len(values)),
		SavedAt: time.Now(),
	}
	for id, v := range values {
		snap.Values[id] = v.Raw
	}

	err := s.db.Save(&snap)
	if err == storm.ErrAlreadyExists {
		err = s.db.Update(&snap)
	}
	return err
}

// LoadSettings returns the persisted snapshot for a device, if any.
func (s *Store) LoadSettings(device string) (Snapshot, bool, error) {
	var snap Snapshot
	err := s.db.One("Device", device, &snap)
	if err == storm.ErrNotFound {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// All returns every persisted snapshot.
func (s *Store) All() ([]Snapshot, error) {
	var snaps []Snapshot
	if err := s.db.All(&snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}
