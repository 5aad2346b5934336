package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/lms-api/internal/models"
)

func TestReadThroughCollapsesConcurrentMisses(t *testing.T) {
	cache := NewCacheService(newMemoryCacheRepo(), nil, time.Minute, nil, true)
	var loads int32
	release := make(chan struct{})
	load := func(ctx context.Context) (*models.Course, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return &models.Course{ID: "C1", Students: 2}, nil
	}

	var started sync.WaitGroup
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		started.Add(1)
		g.Go(func() error {
			started.Done()
			course, _, err := readThrough(ctx, cache, "course:C1", 0, load)
			if err == nil && course.Students != 2 {
				return errors.New("unexpected course")
			}
			return err
		})
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	course, hit, err := readThrough(context.Background(), cache, "course:C1", 0, load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "C1", course.ID)
}

func TestReadThroughDoesNotCacheErrors(t *testing.T) {
	repo := newMemoryCacheRepo()
	cache := NewCacheService(repo, nil, time.Minute, nil, true)
	boom := errors.New("store down")

	_, _, err := readThrough(context.Background(), cache, "course:C1", 0, func(context.Context) (*models.Course, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, repo.entries)
}

func TestReadThroughWithoutCache(t *testing.T) {
	var nilCache *CacheService
	course, hit, err := readThrough(context.Background(), nilCache, "course:C1", 0, func(context.Context) (*models.Course, error) {
		return &models.Course{ID: "C1"}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "C1", course.ID)
}

func TestCacheServiceDisabledIsPassthrough(t *testing.T) {
	repo := newMemoryCacheRepo()
	cache := NewCacheService(repo, nil, time.Minute, nil, false)
	ctx := context.Background()

	assert.False(t, cache.Enabled())
	require.NoError(t, cache.Set(ctx, "course:C1", models.Course{ID: "C1"}, 0))
	var dest models.Course
	hit, err := cache.Get(ctx, "course:C1", &dest)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Empty(t, repo.entries)
	assert.NoError(t, cache.Invalidate(ctx, "course:C1"))
}
