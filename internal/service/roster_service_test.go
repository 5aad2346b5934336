package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/lms-api/internal/models"
	"github.com/noah-isme/lms-api/pkg/docstore"
	appErrors "github.com/noah-isme/lms-api/pkg/errors"
)

type mockRosterCache struct {
	mu   sync.Mutex
	keys []string
}

func (m *mockRosterCache) Invalidate(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, keys...)
	return nil
}

// countingStore records every write buffered by a transaction function.
type countingStore struct {
	*docstore.MemoryStore
	mu     sync.Mutex
	writes int
}

func (s *countingStore) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return s.MemoryStore.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return fn(ctx, &countingTx{Tx: tx, store: s})
	})
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type countingTx struct {
	docstore.Tx
	store *countingStore
}

func (t *countingTx) bump() {
	t.store.mu.Lock()
	t.store.writes++
	t.store.mu.Unlock()
}

func (t *countingTx) Set(ref docstore.Ref, data map[string]interface{}) error {
	t.bump()
	return t.Tx.Set(ref, data)
}

func (t *countingTx) Update(ref docstore.Ref, updates map[string]interface{}) error {
	t.bump()
	return t.Tx.Update(ref, updates)
}

func (t *countingTx) Delete(ref docstore.Ref) error {
	t.bump()
	return t.Tx.Delete(ref)
}

type failingStore struct {
	err error
}

func (s failingStore) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return s.err
}

func (s failingStore) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	return nil, s.err
}

func (s failingStore) Query(ctx context.Context, collection, field, value string) ([]docstore.Snapshot, error) {
	return nil, s.err
}

func seedCourse(t *testing.T, store docstore.Store, id string, students int, roster ...string) {
	t.Helper()
	members := make([]interface{}, 0, len(roster))
	for _, r := range roster {
		members = append(members, r)
	}
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, models.CourseRef(id)); err != nil {
			return err
		}
		return tx.Set(models.CourseRef(id), map[string]interface{}{
			models.CourseFieldTitle:            "Course " + id,
			models.CourseFieldStudents:         students,
			models.CourseFieldEnrolledStudents: members,
		})
	})
	require.NoError(t, err)
}

func loadCourse(t *testing.T, store docstore.Store, id string) models.Course {
	t.Helper()
	snap, err := store.Get(context.Background(), models.CourseRef(id))
	require.NoError(t, err)
	require.True(t, snap.Exists, "course %s should exist", id)
	return models.CourseFromSnapshot(snap)
}

func newRosterFixture(opts docstore.Options) (*RosterService, *docstore.MemoryStore, *mockRosterCache) {
	store := docstore.NewMemoryStore(opts)
	cache := &mockRosterCache{}
	return NewRosterService(store, cache, NewMetricsService(), nil, zap.NewNop()), store, cache
}

func rosterEvent(studentID, courseID string) models.EnrollmentEvent {
	return models.EnrollmentEvent{StudentID: studentID, CourseID: courseID}
}

func TestRosterServiceCreateAddsStudent(t *testing.T) {
	svc, store, cache := newRosterFixture(docstore.Options{})
	seedCourse(t, store, "C1", 5, "s1", "s2", "s3", "s4", "s5")

	require.NoError(t, svc.OnEnrollmentCreated(context.Background(), rosterEvent("s6", "C1")))

	course := loadCourse(t, store, "C1")
	assert.Equal(t, int64(6), course.Students)
	assert.ElementsMatch(t, []string{"s1", "s2", "s3", "s4", "s5", "s6"}, course.EnrolledStudents)
	assert.False(t, course.UpdatedAt.IsZero())
	assert.Equal(t, []string{"course:C1"}, cache.keys)
}

func TestRosterServiceDeleteFloorsAtZero(t *testing.T) {
	svc, store, _ := newRosterFixture(docstore.Options{})
	seedCourse(t, store, "C1", 1, "s1")
	ctx := context.Background()

	require.NoError(t, svc.OnEnrollmentDeleted(ctx, rosterEvent("s1", "C1")))
	course := loadCourse(t, store, "C1")
	assert.Equal(t, int64(0), course.Students)
	assert.Empty(t, course.EnrolledStudents)

	require.NoError(t, svc.OnEnrollmentDeleted(ctx, rosterEvent("s1", "C1")))
	course = loadCourse(t, store, "C1")
	assert.Equal(t, int64(0), course.Students)
	assert.Empty(t, course.EnrolledStudents)
	assert.False(t, course.UpdatedAt.IsZero())
}

func TestRosterServiceMissingCourseWritesNothing(t *testing.T) {
	store := &countingStore{MemoryStore: docstore.NewMemoryStore(docstore.Options{})}
	cache := &mockRosterCache{}
	svc := NewRosterService(store, cache, NewMetricsService(), nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.OnEnrollmentCreated(ctx, rosterEvent("s1", "ghost")))
	require.NoError(t, svc.OnEnrollmentDeleted(ctx, rosterEvent("s1", "ghost")))

	assert.Zero(t, store.count())
	assert.Empty(t, cache.keys)
	snap, err := store.Get(ctx, models.CourseRef("ghost"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestRosterServiceDuplicateCreateKeepsSetButBumpsCounter(t *testing.T) {
	svc, store, _ := newRosterFixture(docstore.Options{})
	seedCourse(t, store, "C1", 0)
	ctx := context.Background()

	require.NoError(t, svc.OnEnrollmentCreated(ctx, rosterEvent("s1", "C1")))
	require.NoError(t, svc.OnEnrollmentCreated(ctx, rosterEvent("s1", "C1")))

	course := loadCourse(t, store, "C1")
	assert.Equal(t, int64(2), course.Students)
	assert.Equal(t, []string{"s1"}, course.EnrolledStudents)
}

func TestRosterServiceCounterNeverNegative(t *testing.T) {
	svc, store, _ := newRosterFixture(docstore.Options{})
	seedCourse(t, store, "C1", 0)
	ctx := context.Background()

	sequence := []struct {
		created bool
		student string
	}{
		{false, "s1"}, {true, "s1"}, {false, "s1"}, {false, "s1"}, {false, "s2"},
		{true, "s2"}, {true, "s3"}, {false, "s2"}, {false, "s3"}, {false, "s3"},
	}
	for i, step := range sequence {
		var err error
		if step.created {
			err = svc.OnEnrollmentCreated(ctx, rosterEvent(step.student, "C1"))
		} else {
			err = svc.OnEnrollmentDeleted(ctx, rosterEvent(step.student, "C1"))
		}
		require.NoError(t, err, "step %d", i)
		assert.GreaterOrEqual(t, loadCourse(t, store, "C1").Students, int64(0), "step %d", i)
	}
}

func TestRosterServiceAbsentCounterTreatedAsZero(t *testing.T) {
	svc, store, _ := newRosterFixture(docstore.Options{})
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, models.CourseRef("C1")); err != nil {
			return err
		}
		return tx.Set(models.CourseRef("C1"), map[string]interface{}{models.CourseFieldTitle: "Bare"})
	})
	require.NoError(t, err)

	require.NoError(t, svc.OnEnrollmentCreated(context.Background(), rosterEvent("s1", "C1")))

	course := loadCourse(t, store, "C1")
	assert.Equal(t, int64(1), course.Students)
	assert.Equal(t, []string{"s1"}, course.EnrolledStudents)
	assert.Equal(t, "Bare", course.Title)
}

func TestRosterServiceConcurrentCreates(t *testing.T) {
	const n = 16
	svc, store, _ := newRosterFixture(docstore.Options{MaxAttempts: n + 1})
	seedCourse(t, store, "C1", 0)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		student := fmt.Sprintf("s%02d", i)
		g.Go(func() error {
			return svc.OnEnrollmentCreated(ctx, rosterEvent(student, "C1"))
		})
	}
	require.NoError(t, g.Wait())

	course := loadCourse(t, store, "C1")
	assert.Equal(t, int64(n), course.Students)
	assert.Len(t, course.EnrolledStudents, n)
	sort.Strings(course.EnrolledStudents)
	assert.Equal(t, "s00", course.EnrolledStudents[0])
	assert.Equal(t, fmt.Sprintf("s%02d", n-1), course.EnrolledStudents[n-1])
}

func TestRosterServiceConcurrentCreateAndDelete(t *testing.T) {
	const n = 8
	svc, store, _ := newRosterFixture(docstore.Options{MaxAttempts: 2*n + 1})
	roster := make([]string, 0, n)
	for i := 0; i < n; i++ {
		roster = append(roster, fmt.Sprintf("old%d", i))
	}
	seedCourse(t, store, "C1", n, roster...)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		oldID, newID := roster[i], fmt.Sprintf("new%d", i)
		g.Go(func() error { return svc.OnEnrollmentDeleted(ctx, rosterEvent(oldID, "C1")) })
		g.Go(func() error { return svc.OnEnrollmentCreated(ctx, rosterEvent(newID, "C1")) })
	}
	require.NoError(t, g.Wait())

	course := loadCourse(t, store, "C1")
	assert.Equal(t, int64(n), course.Students)
	assert.Len(t, course.EnrolledStudents, n)
	for _, id := range course.EnrolledStudents {
		assert.Contains(t, id, "new")
	}
}

func TestRosterServiceTransactionFailure(t *testing.T) {
	storeErr := fmt.Errorf("%w: gave up after 5 attempts", docstore.ErrTransactionFailed)
	cache := &mockRosterCache{}
	svc := NewRosterService(failingStore{err: storeErr}, cache, NewMetricsService(), nil, nil)

	err := svc.OnEnrollmentCreated(context.Background(), rosterEvent("s1", "C1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrTransactionFailure))
	assert.True(t, errors.Is(err, docstore.ErrTransactionFailed))
	assert.Equal(t, 503, appErrors.FromError(err).Status)
	assert.Empty(t, cache.keys)
}

func TestRosterServiceRejectsIncompletePayload(t *testing.T) {
	store := &countingStore{MemoryStore: docstore.NewMemoryStore(docstore.Options{})}
	svc := NewRosterService(store, nil, nil, nil, nil)

	err := svc.OnEnrollmentCreated(context.Background(), models.EnrollmentEvent{StudentID: "s1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))

	err = svc.OnEnrollmentDeleted(context.Background(), models.EnrollmentEvent{CourseID: "C1"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
	assert.Zero(t, store.count())
}

func TestRosterServiceRejectsBlankIDs(t *testing.T) {
	store := &countingStore{MemoryStore: docstore.NewMemoryStore(docstore.Options{})}
	seedCourse(t, store, "C1", 3, "s1")
	svc := NewRosterService(store, nil, nil, nil, nil)
	ctx := context.Background()

	for _, evt := range []models.EnrollmentEvent{
		rosterEvent("   ", "C1"),
		rosterEvent("s1", " "),
		rosterEvent("s1", "\t"),
	} {
		err := svc.OnEnrollmentCreated(ctx, evt)
		require.Error(t, err)
		assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code), "event %+v", evt)
		assert.Equal(t, 400, appErrors.FromError(err).Status)
	}
	assert.Zero(t, store.count())

	_, err := svc.Reconcile(ctx, "  ", true)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}

func TestRosterServiceInvalidRefIsNotRetryable(t *testing.T) {
	svc := NewRosterService(failingStore{err: docstore.ErrInvalidRef}, nil, nil, nil, nil)

	err := svc.OnEnrollmentDeleted(context.Background(), rosterEvent("s1", "C1"))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
	assert.False(t, appErrors.HasCode(err, appErrors.ErrTransactionFailure.Code))
	assert.ErrorIs(t, err, docstore.ErrInvalidRef)
}

func TestRosterServiceHandleRoutesByType(t *testing.T) {
	svc, store, _ := newRosterFixture(docstore.Options{})
	seedCourse(t, store, "C1", 0)
	ctx := context.Background()

	evt := rosterEvent("s1", "C1")
	evt.Type = models.EnrollmentCreated
	require.NoError(t, svc.Handle(ctx, evt))
	assert.Equal(t, int64(1), loadCourse(t, store, "C1").Students)

	evt.Type = models.EnrollmentDeleted
	require.NoError(t, svc.Handle(ctx, evt))
	assert.Equal(t, int64(0), loadCourse(t, store, "C1").Students)

	evt.Type = "updated"
	err := svc.Handle(ctx, evt)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}

func TestRosterServiceRecordsOutcomeMetrics(t *testing.T) {
	svc, store, _ := newRosterFixture(docstore.Options{})
	seedCourse(t, store, "C1", 0)
	ctx := context.Background()

	require.NoError(t, svc.OnEnrollmentCreated(ctx, rosterEvent("s1", "C1")))
	require.NoError(t, svc.OnEnrollmentCreated(ctx, rosterEvent("s1", "ghost")))

	families, err := svc.metrics.Registry().Gather()
	require.NoError(t, err)
	outcomes := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "roster_updates_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, label := range metric.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			outcomes[labels["event"]+"/"+labels["outcome"]] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), outcomes["created/applied"])
	assert.Equal(t, float64(1), outcomes["created/skipped"])
}

func TestRosterServiceReconcile(t *testing.T) {
	svc, store, cache := newRosterFixture(docstore.Options{})
	seedCourse(t, store, "C1", 4, "s1", "s2")
	ctx := context.Background()

	report, err := svc.Reconcile(ctx, "C1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Drift)
	assert.False(t, report.Repaired)
	assert.Equal(t, int64(4), loadCourse(t, store, "C1").Students)

	report, err = svc.Reconcile(ctx, "C1", true)
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, int64(2), report.RosterSize)
	assert.Equal(t, int64(2), loadCourse(t, store, "C1").Students)
	assert.Equal(t, []string{"course:C1"}, cache.keys)

	report, err = svc.Reconcile(ctx, "C1", true)
	require.NoError(t, err)
	assert.Zero(t, report.Drift)
	assert.False(t, report.Repaired)
}

func TestRosterServiceReconcileMissingCourse(t *testing.T) {
	svc, _, _ := newRosterFixture(docstore.Options{})

	_, err := svc.Reconcile(context.Background(), "ghost", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = svc.Reconcile(context.Background(), "", false)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}
