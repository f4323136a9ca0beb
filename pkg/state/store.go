package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/lob/pkg/lx"
)

var (
	lastKey  = []byte("last_snapshot")
	indexKey = []byte("snapshot_index")

	// ErrNoSnapshot is returned when nothing has been persisted yet.
	ErrNoSnapshot = errors.New("no snapshot")
)

func snapshotKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("snapshot:"), height)
}

// Store persists engine snapshots keyed by height, the sequence number of
// the last event the snapshot includes. Only the newest Keep snapshots are
// retained.
type Store struct {
	db     database.Database
	keep   int
	logger log.Logger
}

// NewStore wraps db. keep <= 0 retains every snapshot.
func NewStore(db database.Database, keep int, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "state")
	}
	return &Store{db: db, keep: keep, logger: logger}
}

func (s *Store) index() ([]uint64, error) {
	raw, err := s.db.Get(indexKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var heights []uint64
	if err := json.Unmarshal(raw, &heights); err != nil {
		return nil, fmt.Errorf("decode snapshot index: %w", err)
	}
	return heights, nil
}

// Save persists snap at its sequence number. Saving a height that is not
// newer than the last one is a no-op.
func (s *Store) Save(snap *lx.Snapshot) (bool, error) {
	height := snap.Sequence
	heights, err := s.index()
	if err != nil {
		return false, err
	}
	if n := len(heights); n > 0 && heights[n-1] >= height {
		return false, nil
	}

	value, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(snapshotKey(height), value); err != nil {
		return false, err
	}
	heights = append(heights, height)
	if s.keep > 0 && len(heights) > s.keep {
		for _, old := range heights[:len(heights)-s.keep] {
			if err := batch.Delete(snapshotKey(old)); err != nil {
				return false, err
			}
		}
		heights = append([]uint64(nil), heights[len(heights)-s.keep:]...)
	}
	idx, err := json.Marshal(heights)
	if err != nil {
		return false, err
	}
	if err := batch.Put(indexKey, idx); err != nil {
		return false, err
	}
	if err := batch.Put(lastKey, binary.BigEndian.AppendUint64(nil, height)); err != nil {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, err
	}

	s.logger.Debug("Saved snapshot", "height", height, "bytes", len(value))
	return true, nil
}

// LastHeight returns the height of the newest snapshot.
func (s *Store) LastHeight() (uint64, error) {
	raw, err := s.db.Get(lastKey)
	if errors.Is(err, database.ErrNotFound) {
		return 0, ErrNoSnapshot
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt snapshot height of %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Load returns the snapshot persisted at height.
func (s *Store) Load(height uint64) (*lx.Snapshot, error) {
	raw, err := s.db.Get(snapshotKey(height))
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w at height %d", ErrNoSnapshot, height)
	}
	if err != nil {
		return nil, err
	}
	var snap lx.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", height, err)
	}
	return &snap, nil
}

// Latest returns the newest snapshot, ErrNoSnapshot when there is none.
func (s *Store) Latest() (*lx.Snapshot, error) {
	height, err := s.LastHeight()
	if err != nil {
		return nil, err
	}
	return s.Load(height)
}

// Heights lists the retained snapshot heights, oldest first.
func (s *Store) Heights() ([]uint64, error) {
	return s.index()
}
