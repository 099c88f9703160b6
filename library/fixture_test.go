package library_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lms/library"
	"lms/library/csvstore"
	"lms/library/sqlstore"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// storeFactories builds an empty store of every kind the manager must run on.
var storeFactories = map[string]func(t *testing.T) library.Store{
	"csv": func(t *testing.T) library.Store {
		s, err := csvstore.New(t.TempDir())
		require.NoError(t, err)
		return s
	},
	"sqlite": func(t *testing.T) library.Store {
		dsn, err := sqlstore.SQLiteDSN(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		db, err := sqlstore.NewDatabase(context.Background(), sqlstore.DriverSQLite, dsn)
		require.NoError(t, err)
		return db
	},
}

type fixture struct {
	store library.Store
	mgr   *library.LibraryManager
	bus   *library.Bus

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// sequentialIDs returns a goroutine-safe generator yielding T1, T2, F1, ...
func sequentialIDs() func(prefix string) string {
	var mu sync.Mutex
	next := map[string]int{}
	return func(prefix string) string {
		mu.Lock()
		defer mu.Unlock()
		next[prefix]++
		return fmt.Sprintf("%s%d", prefix, next[prefix])
	}
}

// eachStore runs fn against a freshly seeded fixture for every store kind.
func eachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Helper()
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, newStore(t)))
		})
	}
}

func newFixture(t *testing.T, store library.Store, opts ...library.Option) *fixture {
	t.Helper()
	f := &fixture{store: store, bus: library.NewBus(), now: t0}
	seed(t, store)

	opts = append([]library.Option{
		library.WithNotifier(f.bus),
		library.WithClock(f.clock),
		library.WithIDGenerator(sequentialIDs()),
	}, opts...)
	f.mgr = library.NewLibraryManager(store, opts...)
	t.Cleanup(func() {
		f.bus.Close()
		_ = f.mgr.Close()
	})
	return f
}

// seed loads B1 "Dune" with two Available copies, B2 "Emma" with none, and
// members U1..U3.
func seed(t *testing.T, store library.Store) {
	t.Helper()
	ctx := context.Background()
	err := store.Update(ctx, func(tx library.Tx) error {
		if err := tx.InsertCategory(ctx, library.Category{ID: "CAT1", Name: "Fiction"}); err != nil {
			return err
		}
		if err := tx.InsertCategory(ctx, library.Category{ID: "CAT2", Name: "Classics"}); err != nil {
			return err
		}
		books := []library.Book{
			{ID: "B1", Title: "Dune", Author: "Frank Herbert", CategoryID: "CAT1", Total: 2, Available: 2},
			{ID: "B2", Title: "Emma", Author: "Jane Austen", CategoryID: "CAT2"},
		}
		for _, b := range books {
			if err := tx.InsertBook(ctx, b); err != nil {
				return err
			}
		}
		for _, id := range []string{"CP-A", "CP-B"} {
			c := library.Copy{ID: id, BookID: "B1", Status: library.StatusAvailable, Location: "main", Condition: "good"}
			if err := tx.InsertCopy(ctx, c); err != nil {
				return err
			}
		}
		for i, name := range []string{"Ana", "Ben", "Cleo"} {
			m := library.Member{
				ID:             fmt.Sprintf("U%d", i+1),
				Name:           name,
				Email:          name + "@example.com",
				Role:           "member",
				MembershipDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			if err := tx.InsertMember(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err, "seed")
}

// requireCounts checks the stored aggregates of bookID and that they agree
// with the copy records.
func requireCounts(t *testing.T, f *fixture, bookID string, total, available int) {
	t.Helper()
	ctx := context.Background()
	b, err := f.mgr.GetBook(ctx, bookID)
	require.NoError(t, err)
	require.Equal(t, total, b.Total, "total of %s", bookID)
	require.Equal(t, available, b.Available, "available of %s", bookID)
	requireConsistent(t, f)
}

// requireConsistent asserts available <= total for every book and that both
// match the copy records.
func requireConsistent(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	books, err := f.mgr.GetAllBooks(ctx)
	require.NoError(t, err)
	for _, b := range books {
		copies, err := f.mgr.GetCopies(ctx, b.ID)
		require.NoError(t, err)
		avail := 0
		for _, c := range copies {
			if c.Status == library.StatusAvailable {
				avail++
			}
		}
		require.LessOrEqual(t, b.Available, b.Total, "book %s", b.ID)
		require.Equal(t, len(copies), b.Total, "total of %s", b.ID)
		require.Equal(t, avail, b.Available, "available of %s", b.ID)
	}
}
