package docstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

type mutationKind int

const (
	mutationInsert mutationKind = iota + 1
	mutationUpdate
	mutationDelete
)

// mutation is a write ready to be committed. expectedVersion is the version observed by the
// transaction: zero for a document never written, the tombstone version for a deleted one.
type mutation struct {
	kind            mutationKind
	ref             Ref
	expectedVersion int64
	data            map[string]interface{}
}

type backend interface {
	get(ctx context.Context, ref Ref) (*Snapshot, error)
	commit(ctx context.Context, muts []mutation) error
}

type draft struct {
	ref             Ref
	expectedVersion int64
	exists          bool
	data            map[string]interface{}
}

type transaction struct {
	backend backend
	now     time.Time
	reads   map[Ref]*Snapshot
	drafts  map[Ref]*draft
	order   []Ref
}

func newTransaction(b backend, now time.Time) *transaction {
	return &transaction{
		backend: b,
		now:     now,
		reads:   make(map[Ref]*Snapshot),
		drafts:  make(map[Ref]*draft),
	}
}

func (t *transaction) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if len(t.drafts) > 0 {
		return nil, ErrReadAfterWrite
	}
	if snap, ok := t.reads[ref]; ok {
		return snap.clone(), nil
	}
	snap, err := t.backend.get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrTransactionFailed, ref, err)
	}
	t.reads[ref] = snap
	return snap.clone(), nil
}

func (t *transaction) Set(ref Ref, data map[string]interface{}) error {
	d, err := t.draftFor(ref)
	if err != nil {
		return err
	}
	next, err := applyUpdates(nil, data, t.now)
	if err != nil {
		return fmt.Errorf("set %s: %w", ref, err)
	}
	d.data = next
	d.exists = true
	return nil
}

func (t *transaction) Update(ref Ref, updates map[string]interface{}) error {
	d, err := t.draftFor(ref)
	if err != nil {
		return err
	}
	if !d.exists {
		return fmt.Errorf("update %s: %w", ref, ErrNotFound)
	}
	next, err := applyUpdates(d.data, updates, t.now)
	if err != nil {
		return fmt.Errorf("update %s: %w", ref, err)
	}
	d.data = next
	return nil
}

func (t *transaction) Delete(ref Ref) error {
	d, err := t.draftFor(ref)
	if err != nil {
		return err
	}
	d.exists = false
	d.data = nil
	return nil
}

func (t *transaction) draftFor(ref Ref) (*draft, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if d, ok := t.drafts[ref]; ok {
		return d, nil
	}
	snap, ok := t.reads[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreadDocument, ref)
	}
	d := &draft{ref: ref, expectedVersion: snap.Version, exists: snap.Exists, data: cloneMap(snap.Data)}
	t.drafts[ref] = d
	t.order = append(t.order, ref)
	return d, nil
}

func (t *transaction) mutations() []mutation {
	muts := make([]mutation, 0, len(t.order))
	for _, ref := range t.order {
		d := t.drafts[ref]
		existed := t.reads[ref].Exists
		switch {
		case existed && d.exists:
			muts = append(muts, mutation{kind: mutationUpdate, ref: ref, expectedVersion: d.expectedVersion, data: d.data})
		case existed && !d.exists:
			muts = append(muts, mutation{kind: mutationDelete, ref: ref, expectedVersion: d.expectedVersion})
		case !existed && d.exists:
			muts = append(muts, mutation{kind: mutationInsert, ref: ref, expectedVersion: d.expectedVersion, data: d.data})
		}
	}
	return muts
}

// runTransaction drives fn until it commits, fails for a non-conflict reason or runs out of attempts.
func runTransaction(ctx context.Context, b backend, opts Options, fn TxFunc) error {
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
		}

		tx := newTransaction(b, opts.Clock())
		err := fn(ctx, tx)
		if err == nil {
			if muts := tx.mutations(); len(muts) > 0 {
				err = b.commit(ctx, muts)
			}
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrConflict) {
				if errors.Is(err, ErrTransactionFailed) {
					return err
				}
				return fmt.Errorf("%w: commit: %w", ErrTransactionFailed, err)
			}
		} else if !errors.Is(err, ErrConflict) {
			return err
		}

		lastErr = err
		if opts.OnConflict != nil {
			opts.OnConflict(attempt)
		}
		if attempt < opts.MaxAttempts {
			if err := sleep(ctx, backoff(opts.RetryBackoff, attempt)); err != nil {
				return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
			}
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %w", ErrTransactionFailed, opts.MaxAttempts, lastErr)
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	d := base << uint(shift)
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
