package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"pipeweaver/internal/core"
)

const (
	recPrefix  = "rec/"
	namePrefix = "name/"
	fpPrefix   = "fp/"
)

// Outcome is the result class of a history record.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRecovered Outcome = "recovered"
	OutcomeFailed    Outcome = "failed"
)

// Successful reports whether the record carries a usable value.
func (o Outcome) Successful() bool {
	return o == OutcomeSucceeded || o == OutcomeRecovered
}

// ErrorContext is the captured failure of a target.
type ErrorContext struct {
	Message     string           `json:"message"`
	Trace       []string         `json:"trace,omitempty"`
	Stack       string           `json:"stack,omitempty"`
	Fingerprint core.Fingerprint `json:"fingerprint"`
}

// ErrorContextFrom captures a command failure for persistence.
func ErrorContextFrom(err error) *ErrorContext {
	if err == nil {
		return nil
	}
	var ce *core.CommandExecutionError
	if errors.As(err, &ce) {
		return &ErrorContext{
			Message:     ce.Message,
			Trace:       ce.Trace,
			Stack:       ce.Stack,
			Fingerprint: ce.Fingerprint,
		}
	}
	return &ErrorContext{Message: err.Error()}
}

// Record is one build event of a target. Records are never modified.
type Record struct {
	// Seq is the logical clock position, assigned by Append.
	Seq uint64 `json:"seq"`

	Target      string                `json:"target"`
	Fingerprint core.Fingerprint      `json:"fingerprint"`
	Parts       core.FingerprintParts `json:"parts"`
	ValueHash   core.ValueHash        `json:"value_hash,omitempty"`
	Outcome     Outcome               `json:"outcome"`
	Time        time.Time             `json:"time"`
	Elapsed     time.Duration         `json:"elapsed"`
	Seed        int64                 `json:"seed"`
	RunID       string                `json:"run_id,omitempty"`

	// RecoveredFrom names the target whose record supplied the value.
	RecoveredFrom string `json:"recovered_from,omitempty"`

	// FileOutputs maps each tracked output file to its hash after the build.
	FileOutputs map[string]string `json:"file_outputs,omitempty"`

	Error *ErrorContext `json:"error,omitempty"`
}

// Entry is a record with the state of its value in the content store.
type Entry struct {
	Record
	Exists bool `json:"exists"`
}

func recKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%016d", recPrefix, seq)) }

func nameIndexPrefix(target string) []byte { return []byte(namePrefix + target + "\x00") }

func nameKey(target string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%016d", namePrefix, target, seq))
}

func fpKey(fp core.Fingerprint) []byte { return []byte(fpPrefix + string(fp)) }

func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func parseSeq(key, prefix []byte) (uint64, bool) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// initSeq scans for the highest existing sequence number.
func (s *Store) initSeq() error {
	prefix := []byte(recPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append([]byte(recPrefix), 0xFF))
		if it.ValidForPrefix(prefix) {
			if seq, ok := parseSeq(it.Item().Key(), prefix); ok {
				s.seq = seq
			}
		}
		return nil
	})
}

// Append adds rec to the history and assigns its Seq.
//
// A zero Time is set to the current time. Successful records become the target
// of their fingerprint in the fingerprint index.
func (s *Store) Append(rec *Record) error {
	if rec.Target == "" {
		return errors.New("record without target")
	}
	if rec.Outcome.Successful() && rec.ValueHash == "" {
		return fmt.Errorf("successful record of %q without value hash", rec.Target)
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	rec.Seq = seq
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recKey(seq), data); err != nil {
			return err
		}
		if err := txn.Set(nameKey(rec.Target, seq), nil); err != nil {
			return err
		}
		if rec.Outcome.Successful() && rec.Fingerprint != "" {
			return txn.Set(fpKey(rec.Fingerprint), encodeSeq(seq))
		}
		return nil
	})
	if err != nil {
		rec.Seq = 0
		return fmt.Errorf("appending record of %q: %w", rec.Target, err)
	}
	s.seq = seq
	return nil
}

func getRecord(txn *badger.Txn, seq uint64) (*Record, error) {
	item, err := txn.Get(recKey(seq))
	if err != nil {
		return nil, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding record %d: %w", seq, err)
	}
	return &rec, nil
}

// History returns the records of target, oldest first.
func (s *Store) History(target string) ([]Record, error) {
	var out []Record
	prefix := nameIndexPrefix(target)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			seq, ok := parseSeq(it.Item().Key(), prefix)
			if !ok {
				continue
			}
			rec, err := getRecord(txn, seq)
			if err != nil {
				return err
			}
			out = append(out, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history of %q: %w", target, err)
	}
	return out, nil
}

// Latest returns the most recent record of target, or an error wrapping ErrNotFound.
func (s *Store) Latest(target string) (*Record, error) {
	var rec *Record
	prefix := nameIndexPrefix(target)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		seq, ok := parseSeq(it.Item().Key(), prefix)
		if !ok {
			return fmt.Errorf("malformed index key %q", it.Item().Key())
		}
		var err error
		rec, err = getRecord(txn, seq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("latest record of %q: %w", target, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("no record of %q: %w", target, ErrNotFound)
	}
	return rec, nil
}

// LatestByFingerprint returns the most recent successful record with fingerprint
// fp, whatever its target name.
func (s *Store) LatestByFingerprint(fp core.Fingerprint) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fpKey(fp))
		if err != nil {
			return err
		}
		var seq uint64
		err = item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("malformed fingerprint index entry")
			}
			seq = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return err
		}
		rec, err = getRecord(txn, seq)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("fingerprint %s: %w", fp.Short(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", fp.Short(), err)
	}
	return rec, nil
}

// All returns every record in logical clock order with the existence of its value.
func (s *Store) All() ([]Entry, error) {
	var out []Entry
	prefix := []byte(recPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e.Record)
			})
			if err != nil {
				return fmt.Errorf("decoding record %q: %w", it.Item().Key(), err)
			}
			e.Exists, err = hasObject(txn, e.ValueHash)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return out, nil
}

// Targets returns the names that have at least one record, sorted.
func (s *Store) Targets() ([]string, error) {
	var out []string
	prefix := []byte(namePrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		last := ""
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key()[len(prefix):])
			i := len(key) - 17
			if i < 0 || key[i] != 0 {
				continue
			}
			if name := key[:i]; name != last {
				out = append(out, name)
				last = name
			}
		}
		return nil
	})
	return out, err
}
