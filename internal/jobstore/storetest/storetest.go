// Package storetest provides an in-memory GormStore for tests of packages built on jobstore.
package storetest

import (
	"FinDocAnalyzer/internal/jobstore"
	"FinDocAnalyzer/internal/models"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Clock is a settable clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// New opens a private in-memory sqlite database, migrates it and closes it when t ends.
// A nil clock means time.Now.
func New(t testing.TB, clock func() time.Time) *jobstore.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	var opts []jobstore.Option
	if clock != nil {
		opts = append(opts, jobstore.WithClock(clock))
	}
	s := jobstore.NewGormStore(db, opts...)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// CreateJob stores a pending job for path.
func CreateJob(t testing.TB, s jobstore.Store, path, query string) *models.Job {
	t.Helper()
	j, err := s.Create(context.Background(), models.NewJob{
		FileName:   "report.txt",
		FilePath:   path,
		Query:      query,
		FileSource: models.FileSourceUploaded,
	})
	require.NoError(t, err)
	return j
}
