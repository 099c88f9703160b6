package csvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lms/library"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(b)
}

func TestNormalizeHeader(t *testing.T) {
	tests := []struct{ in, want string }{
		{"book_id", "bookid"},
		{"BookID", "bookid"},
		{"\ufeffBook Id", "bookid"},
		{" Total-Copies ", "totalcopies"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeHeader(tt.in), tt.in)
	}
}

func TestLegacyHeadersAndExtraColumns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Books.csv",
		"\ufeffBook ID,Title,Authors,CategoryID,Total Copies,Available Copies,Shelf\n"+
			"B1,\"War, and Peace\",Leo Tolstoy,C1,3,2,A4\n")
	s, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	var book library.Book
	err = s.View(ctx, func(tx library.Tx) (err error) {
		book, err = tx.Book(ctx, "B1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, library.Book{ID: "B1", Title: "War, and Peace", Author: "Leo Tolstoy", CategoryID: "C1", Total: 3, Available: 2}, book)

	err = s.Update(ctx, func(tx library.Tx) error {
		book.Available = 1
		return tx.SaveBook(ctx, book)
	})
	require.NoError(t, err)

	got := readFile(t, dir, "Books.csv")
	lines := strings.Split(strings.TrimSpace(got), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "book_id,title,author,category_id,description,total,available,Shelf", lines[0])
	assert.Equal(t, `B1,"War, and Peace",Leo Tolstoy,C1,,3,1,A4`, lines[1])
}

func TestCopyStatusNormalization(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "BookCopies.csv",
		"copy_id,book_id,status,location,copy_condition\n"+
			"C3,B1,BORROWED,main,worn\n"+
			"C1,B1,available,main,good\n"+
			"C2,B1,,annex,good\n")
	s, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	err = s.View(ctx, func(tx library.Tx) error {
		copies, err := tx.Copies(ctx, "B1")
		if err != nil {
			return err
		}
		require.Len(t, copies, 3)
		assert.Equal(t, "C1", copies[0].ID, "copies are ordered by id")
		assert.Equal(t, library.StatusAvailable, copies[0].Status)
		assert.Equal(t, library.StatusAvailable, copies[1].Status, "blank status reads as available")
		assert.Equal(t, library.StatusBorrowed, copies[2].Status)
		assert.Equal(t, "worn", copies[2].Condition)

		c, err := tx.AvailableCopy(ctx, "B1")
		if err != nil {
			return err
		}
		assert.Equal(t, "C1", c.ID)

		_, err = tx.AvailableCopy(ctx, "B2")
		assert.ErrorIs(t, err, library.ErrNoAvailableCopy)
		return nil
	})
	require.NoError(t, err)
}

func TestFailedUpdateWritesNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()
	boom := errors.New("boom")

	err = s.Update(ctx, func(tx library.Tx) error {
		if err := tx.InsertCategory(ctx, library.Category{ID: "C1", Name: "Fiction"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = os.Stat(filepath.Join(dir, "Category.csv"))
	assert.True(t, os.IsNotExist(err), "rolled back unit of work leaves no file")
}

func TestInsertDuplicate(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	insert := func() error {
		return s.Update(ctx, func(tx library.Tx) error {
			return tx.InsertCategory(ctx, library.Category{ID: "C1", Name: "Fiction"})
		})
	}
	require.NoError(t, insert())
	require.ErrorIs(t, insert(), library.ErrConflict)
}

func TestRoundTripTimes(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	borrowed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := library.Transaction{ID: "T1", UserID: "U1", CopyID: "C1", BorrowDate: borrowed, DueDate: borrowed.AddDate(0, 0, 14)}
	require.NoError(t, s.Update(ctx, func(tx library.Tx) error { return tx.InsertTransaction(ctx, tr) }))

	var got library.Transaction
	require.NoError(t, s.View(ctx, func(tx library.Tx) (err error) {
		got, err = tx.Transaction(ctx, "T1")
		return err
	}))
	assert.True(t, got.BorrowDate.Equal(borrowed))
	assert.True(t, got.DueDate.Equal(tr.DueDate))
	assert.True(t, got.Open())
	assert.Contains(t, readFile(t, dir, "Transactions.csv"), "2025-01-02T03:04:05Z")

	writeFile(t, dir, "Transactions.csv",
		"transaction_id,user_id,copy_id,borrow_date,due_date,return_date\n"+
			"T2,U1,C1,2025-01-02 03:04:05,2025-01-16,\n")
	require.NoError(t, s.View(ctx, func(tx library.Tx) (err error) {
		got, err = tx.Transaction(ctx, "T2")
		return err
	}))
	assert.True(t, got.BorrowDate.Equal(borrowed), "legacy datetime layout")
	assert.True(t, got.DueDate.Equal(time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)))
}

func TestLegacyDatesInTransactions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Books.csv",
		"book_id,title,author,category_id,total_copies,available_copies\n"+
			"B1,Dune,Frank Herbert,C1,3,0\n")
	writeFile(t, dir, "BookCopies.csv",
		"copy_id,book_id,status,location,copy_condition\n"+
			"CP1,B1,Borrowed,main,good\n"+
			"CP2,B1,Borrowed,main,good\n"+
			"CP3,B1,Borrowed,main,good\n")
	writeFile(t, dir, "Users.csv",
		"user_id,name,email,role,membership_date\n"+
			"U1,Ana,ana@example.com,member,2024-01-01\n")
	writeFile(t, dir, "Transactions.csv",
		"transaction_id,user_id,copy_id,borrow_date,due_date,return_date\n"+
			"T1,U1,CP1,2024-01-01,2024-01-15,returned\n"+
			"T2,U1,CP2,2024-01-01,,\n"+
			"T3,U1,CP3,2024-01-01,2024-01-15,01/10/2024\n")
	writeFile(t, dir, "Fines.csv",
		"fine_id,user_id,transaction_id,amount,due_date,payment_date,fine_reason\n"+
			"F1,U1,T1,2.50,2024-02-01,paid,late\n")
	s, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	var t1, t2, t3 library.Transaction
	var f1 library.Fine
	require.NoError(t, s.View(ctx, func(tx library.Tx) (err error) {
		if t1, err = tx.Transaction(ctx, "T1"); err != nil {
			return err
		}
		if t2, err = tx.Transaction(ctx, "T2"); err != nil {
			return err
		}
		if t3, err = tx.Transaction(ctx, "T3"); err != nil {
			return err
		}
		f1, err = tx.Fine(ctx, "F1")
		return err
	}))
	assert.False(t, t1.Open(), "unreadable return date still means returned")
	assert.True(t, t2.Open())
	assert.True(t, t2.DueDate.IsZero())
	require.NotNil(t, t3.ReturnDate)
	assert.True(t, t3.ReturnDate.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))
	assert.NotNil(t, f1.PaymentDate, "unreadable payment date still means paid")

	mgr := library.NewLibraryManager(s)
	overdue, err := mgr.ListOverdue(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, overdue)

	_, err = mgr.ReturnCopy(ctx, library.ReturnRequest{TransactionID: "T1"})
	require.ErrorIs(t, err, library.ErrAlreadyReturned)
}

func TestReconcileRepairsInterruptedFlush(t *testing.T) {
	dir := t.TempDir()
	// BookCopies.csv was renamed into place, Books.csv was not.
	writeFile(t, dir, "Books.csv",
		"book_id,title,author,category_id,total,available\n"+
			"B1,Dune,Frank Herbert,C1,1,1\n")
	writeFile(t, dir, "BookCopies.csv",
		"copy_id,book_id,status,location,condition\n"+
			"CP1,B1,Available,main,good\n"+
			"CP2,B1,Borrowed,main,good\n")
	s, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	fixed, err := library.NewLibraryManager(s).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	reopened, err := New(dir)
	require.NoError(t, err)
	var book library.Book
	require.NoError(t, reopened.View(ctx, func(tx library.Tx) (err error) {
		book, err = tx.Book(ctx, "B1")
		return err
	}))
	assert.Equal(t, 2, book.Total)
	assert.Equal(t, 1, book.Available)
}

func TestLockHonoursContext(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.Update(context.Background(), func(library.Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.View(ctx, func(library.Tx) error { return nil })
	require.ErrorIs(t, err, library.ErrStoreUnavailable)
}
