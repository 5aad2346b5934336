// Package docstore models the managed document database the LMS delegates persistence to.
//
// Documents are JSON objects addressed by (collection, id). Every document carries a version
// that is bumped on each write; transactions record the versions they read and commit only
// if none of them moved, re-running the transaction function otherwise. Deleting a document
// leaves a tombstone that keeps its version, so a document re-created after a delete continues
// from where it stopped and a transaction that read the old incarnation still conflicts.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a document required by an operation does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrConflict signals that a document read by the transaction changed before commit.
	ErrConflict = errors.New("docstore: transaction conflict")
	// ErrTransactionFailed is returned once retries are exhausted or the store is unavailable.
	ErrTransactionFailed = errors.New("docstore: transaction failed")
	// ErrReadAfterWrite is returned when a transaction reads after it has buffered a write.
	ErrReadAfterWrite = errors.New("docstore: reads must precede writes in a transaction")
	// ErrUnreadDocument is returned when a transaction writes a document it never read.
	ErrUnreadDocument = errors.New("docstore: document must be read before it is written")
	// ErrInvalidRef is returned for references with an empty collection or id.
	ErrInvalidRef = errors.New("docstore: invalid document reference")
)

// Ref identifies a document within a collection.
type Ref struct {
	Collection string
	ID         string
}

// String renders the reference as collection/id.
func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

func (r Ref) validate() error {
	if strings.TrimSpace(r.Collection) == "" || strings.TrimSpace(r.ID) == "" {
		return ErrInvalidRef
	}
	return nil
}

// Snapshot is a point-in-time view of a document. Version is zero for a document that was never
// written and the tombstone version for one that was deleted.
type Snapshot struct {
	Ref     Ref
	Exists  bool
	Data    map[string]interface{}
	Version int64
}

// Int returns a numeric field. The boolean is false when the field is absent or not a number.
func (s *Snapshot) Int(field string) (int64, bool) {
	if s == nil || s.Data == nil {
		return 0, false
	}
	switch v := s.Data[field].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// String returns a string field or the empty string.
func (s *Snapshot) String(field string) string {
	if s == nil || s.Data == nil {
		return ""
	}
	if v, ok := s.Data[field].(string); ok {
		return v
	}
	return ""
}

// Strings returns the string members of an array field.
func (s *Snapshot) Strings(field string) []string {
	if s == nil || s.Data == nil {
		return nil
	}
	switch v := s.Data[field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Time returns a timestamp field or the zero time.
func (s *Snapshot) Time(field string) time.Time {
	if s == nil || s.Data == nil {
		return time.Time{}
	}
	switch v := s.Data[field].(type) {
	case time.Time:
		return v
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return ts
		}
	}
	return time.Time{}
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = cloneMap(s.Data)
	return &c
}

// Tx is the unit of work handed to a transaction function. All reads must happen before any write.
type Tx interface {
	Get(ctx context.Context, ref Ref) (*Snapshot, error)
	// Set creates or overwrites the document.
	Set(ref Ref, data map[string]interface{}) error
	// Update merges field updates into an existing document. Values may be field operators.
	Update(ref Ref, updates map[string]interface{}) error
	// Delete removes the document. Deleting a missing document is a no-op.
	Delete(ref Ref) error
}

// TxFunc is run inside a transaction and may be invoked more than once on conflict.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the document database contract consumed by the application.
type Store interface {
	RunTransaction(ctx context.Context, fn TxFunc) error
	Get(ctx context.Context, ref Ref) (*Snapshot, error)
	Query(ctx context.Context, collection, field, value string) ([]Snapshot, error)
}

// Options tunes transaction behaviour shared by all store implementations.
type Options struct {
	// MaxAttempts bounds how many times a conflicting transaction is run. Defaults to 5.
	MaxAttempts int
	// RetryBackoff is the base delay between attempts, doubled per attempt with jitter.
	RetryBackoff time.Duration
	// Clock resolves ServerTimestamp values. Defaults to time.Now.
	Clock func() time.Time
	// OnConflict is called after each attempt that lost a conflict.
	OnConflict func(attempt int)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
