// Package outbox keeps committed exchange events durably in pebble until a
// broadcaster has delivered them to Kafka.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/luxfi/log"

	"github.com/luxfi/lob/pkg/lx"
)

var (
	prefix     = []byte("event/")
	prefixEnd  = []byte("event0") // '0' follows '/'
	lastKey    = []byte("meta/last")
	errCorrupt = errors.New("outbox: corrupt record")

	// ErrStaleSequence is returned for an event numbered at or below the
	// highest sequence the outbox has ever stored.
	ErrStaleSequence = errors.New("outbox: stale sequence")
)

// Record is one pending event.
type Record struct {
	Sequence uint64
	Key      string // partition key, the instrument or asset
	Payload  []byte // JSON form of the event
}

// Outbox is a pebble-backed lx.Publisher. Entries are keyed by event
// sequence so a scan yields them in commit order. Sequences must grow
// across restarts, acknowledged ones included, so a stored record is never
// overwritten.
type Outbox struct {
	db  *pebble.DB
	log log.Logger

	mu   sync.Mutex
	last uint64
}

// Open opens or creates an outbox in dir. A nil fs uses the OS filesystem.
func Open(dir string, fs vfs.FS, logger log.Logger) (*Outbox, error) {
	if logger == nil {
		logger = log.Root().New("module", "outbox")
	}
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open outbox %q: %w", dir, err)
	}
	o := &Outbox{db: db, log: logger}
	if err := o.loadLast(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open outbox %q: %w", dir, err)
	}
	return o, nil
}

func (o *Outbox) loadLast() error {
	v, closer, err := o.db.Get(lastKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	if len(v) != 8 {
		return errCorrupt
	}
	o.last = binary.BigEndian.Uint64(v)
	return nil
}

// LastSequence is the highest event sequence ever stored, acknowledged or
// not. An engine restored from an older snapshot must number its events
// after it.
func (o *Outbox) LastSequence() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Close closes the underlying store.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func keyFor(seq uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], seq)
	return k
}

func parseKey(k []byte) (uint64, error) {
	if len(k) != len(prefix)+8 {
		return 0, errCorrupt
	}
	return binary.BigEndian.Uint64(k[len(prefix):]), nil
}

// record layout: [keyLen:2][key][payload]
func encodeRecord(key string, payload []byte) []byte {
	buf := make([]byte, 2+len(key)+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(key)))
	copy(buf[2:], key)
	copy(buf[2+len(key):], payload)
	return buf
}

func decodeRecord(seq uint64, b []byte) (Record, error) {
	if len(b) < 2 {
		return Record{}, errCorrupt
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return Record{}, errCorrupt
	}
	payload := make([]byte, len(b)-2-n)
	copy(payload, b[2+n:])
	return Record{Sequence: seq, Key: string(b[2 : 2+n]), Payload: payload}, nil
}

// Publish stores the event. It returns once the write is synced. Events
// must arrive in increasing sequence order.
func (o *Outbox) Publish(e lx.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := e.Instrument
	if key == "" {
		key = e.Asset
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if e.Sequence <= o.last {
		o.log.Error("Refusing to overwrite outbox sequence", "seq", e.Sequence, "last", o.last)
		return fmt.Errorf("%w: %d <= %d", ErrStaleSequence, e.Sequence, o.last)
	}

	var last [8]byte
	binary.BigEndian.PutUint64(last[:], e.Sequence)
	b := o.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyFor(e.Sequence), encodeRecord(key, payload), nil); err != nil {
		return err
	}
	if err := b.Set(lastKey, last[:], nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		o.log.Warn("Outbox write failed", "seq", e.Sequence, "error", err)
		return err
	}
	o.last = e.Sequence
	return nil
}

// Scan calls fn for up to limit pending records in sequence order. A limit
// of zero scans everything. Scanning stops at the first error from fn.
func (o *Outbox) Scan(limit int, fn func(Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && n >= limit {
			break
		}
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return fmt.Errorf("seq %d: %w", seq, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
		n++
	}
	return iter.Error()
}

// Ack removes a delivered record.
func (o *Outbox) Ack(seq uint64) error {
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

// Pending counts records not yet acknowledged.
func (o *Outbox) Pending() (int, error) {
	n := 0
	err := o.Scan(0, func(Record) error {
		n++
		return nil
	})
	return n, err
}
