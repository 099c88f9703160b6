package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lms/config"
	"lms/library"
	"lms/library/csvstore"
	"lms/library/sqlstore"
)

var fixtures = map[string]string{
	"Users.csv": "user_id,name,email,password,role,membership_date\n" +
		"U1,Ana,ana@example.com,hash,,2024-01-01\n",
	"Category.csv": "category_id,category_name\nCAT1,Fiction\n",
	"Books.csv": "BookID,Title,Author,CategoryID,Total,Available\n" +
		"B1,Dune,Frank Herbert,CAT1,9,9\n",
	"BookCopies.csv": "copy_id,book_id,status,location,condition\n" +
		"C1,B1,available,,\n" +
		"C2,B1,Borrowed,annex,worn\n" +
		"C9,B404,Available,main,good\n",
	"Transactions.csv": "transaction_id,user_id,copy_id,borrow_date,due_date,return_date\n" +
		"T1,U1,C2,2025-01-02 10:00:00,2025-01-16 10:00:00,\n",
	"Fines.csv": "fine_id,user_id,transaction_id,amount,due_date,payment_date,fine_reason\n" +
		"F1,U1,T1,2.50,2025-01-20,,late\n",
	"Staff.csv": "staff_id,staff_name,email,role,department\nS1,Sam,sam@example.com,librarian,Lending\n",
}

func csvDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range fixtures {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	src, err := csvstore.New(csvDir(t))
	require.NoError(t, err)
	dsn, err := sqlstore.SQLiteDSN(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	dst, err := sqlstore.NewDatabase(ctx, sqlstore.DriverSQLite, dsn)
	require.NoError(t, err)
	defer dst.Close()

	var out bytes.Buffer
	err = migrate(ctx, src, dst, &out)
	require.Error(t, err, "copy of a missing book violates the foreign key")
	assert.Contains(t, err.Error(), "bookcopies C9")
	assert.Contains(t, out.String(), "Reconciled copy counts of 1 book(s).")

	lm := library.NewLibraryManager(dst)
	book, err := lm.GetBook(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 2, book.Total)
	assert.Equal(t, 1, book.Available)

	copies, err := lm.GetCopies(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, copies, 2)
	assert.Equal(t, "main", copies[0].Location)
	assert.Equal(t, "good", copies[0].Condition)
	assert.Equal(t, library.StatusBorrowed, copies[1].Status)

	m, err := lm.GetMember(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "member", m.Role)

	tr, err := lm.GetTransaction(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, tr.Open())

	fines, err := lm.GetFines(ctx)
	require.NoError(t, err)
	require.Len(t, fines, 1)
	assert.Equal(t, 2.5, fines[0].Amount)

	staff, err := lm.GetStaff(ctx)
	require.NoError(t, err)
	require.Len(t, staff, 1)

	out.Reset()
	err = migrate(ctx, src, dst, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "imported    0  skipped    1  failed    0")
}

func TestRunWithSQLitePath(t *testing.T) {
	cfg := config.Config{
		CSVDir:     csvDir(t),
		DBDriver:   sqlstore.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "data", "library.db"),
	}
	var out bytes.Buffer
	err := run(context.Background(), cfg, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "users")
	_, statErr := os.Stat(cfg.SQLitePath)
	assert.NoError(t, statErr)

	cfg.DBDriver = "postgres"
	assert.ErrorContains(t, run(context.Background(), cfg, &out), "no dsn configured")
}
