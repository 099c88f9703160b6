package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"

	"lms/library"
)

var (
	bookCols     = []any{"book_id", "title", "author", "category_id", "description", "total", "available"}
	categoryCols = []any{"category_id", "category_name"}
	copyCols     = []any{"copy_id", "book_id", "status", "location", "copy_condition"}
	txCols       = []any{"transaction_id", "user_id", "copy_id", "borrow_date", "due_date", "return_date"}
	fineCols     = []any{"fine_id", "user_id", "transaction_id", "amount", "due_date", "payment_date", "fine_reason"}
	memberCols   = []any{"user_id", "name", "email", "password", "role", "membership_date"}
	staffCols    = []any{"staff_id", "staff_name", "email", "role", "department"}
)

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

// sqlTx implements library.Tx on one database transaction.
type sqlTx struct {
	tx       *sqlx.Tx
	dialect  goqu.DialectWrapper
	lockRows bool
}

func (t *sqlTx) get(ctx context.Context, dest any, ds *goqu.SelectDataset, notFound error) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if err := t.tx.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound
		}
		return err
	}
	return nil
}

func (t *sqlTx) list(ctx context.Context, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return t.tx.SelectContext(ctx, dest, query, args...)
}

func (t *sqlTx) exec(ctx context.Context, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build statement: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *sqlTx) insert(ctx context.Context, table string, row goqu.Record) error {
	return t.exec(ctx, t.dialect.Insert(table).Rows(row).Prepared(true))
}

func (t *sqlTx) update(ctx context.Context, table string, set goqu.Record, where goqu.Ex) error {
	return t.exec(ctx, t.dialect.Update(table).Set(set).Where(where).Prepared(true))
}

func utc(ts time.Time) time.Time { return ts.UTC() }

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	u := ts.UTC()
	return &u
}

// ------------------ Books ------------------

func (t *sqlTx) Book(ctx context.Context, id string) (library.Book, error) {
	var b library.Book
	err := t.get(ctx, &b, t.dialect.From("books").Select(bookCols...).Where(goqu.Ex{"book_id": id}), library.ErrBookNotFound)
	return b, err
}

func (t *sqlTx) Books(ctx context.Context) ([]library.Book, error) {
	books := []library.Book{}
	err := t.list(ctx, &books, t.dialect.From("books").Select(bookCols...).Order(goqu.C("book_id").Asc()))
	return books, err
}

func (t *sqlTx) InsertBook(ctx context.Context, b library.Book) error {
	return t.insert(ctx, "books", goqu.Record{
		"book_id":     b.ID,
		"title":       b.Title,
		"author":      b.Author,
		"category_id": b.CategoryID,
		"description": b.Description,
		"total":       b.Total,
		"available":   b.Available,
	})
}

func (t *sqlTx) SaveBook(ctx context.Context, b library.Book) error {
	return t.update(ctx, "books", goqu.Record{
		"title":       b.Title,
		"author":      b.Author,
		"category_id": b.CategoryID,
		"description": b.Description,
		"total":       b.Total,
		"available":   b.Available,
	}, goqu.Ex{"book_id": b.ID})
}

func (t *sqlTx) Category(ctx context.Context, id string) (library.Category, error) {
	var c library.Category
	err := t.get(ctx, &c, t.dialect.From("category").Select(categoryCols...).Where(goqu.Ex{"category_id": id}), library.ErrCategoryNotFound)
	return c, err
}

func (t *sqlTx) Categories(ctx context.Context) ([]library.Category, error) {
	cats := []library.Category{}
	err := t.list(ctx, &cats, t.dialect.From("category").Select(categoryCols...).Order(goqu.C("category_id").Asc()))
	return cats, err
}

func (t *sqlTx) InsertCategory(ctx context.Context, c library.Category) error {
	return t.insert(ctx, "category", goqu.Record{"category_id": c.ID, "category_name": c.Name})
}

// ------------------ Copies ------------------

func normalizeCopy(c library.Copy) library.Copy {
	c.Status = library.ParseCopyStatus(string(c.Status))
	return c
}

func (t *sqlTx) Copy(ctx context.Context, id string) (library.Copy, error) {
	var c library.Copy
	err := t.get(ctx, &c, t.dialect.From("bookcopies").Select(copyCols...).Where(goqu.Ex{"copy_id": id}), library.ErrCopyNotFound)
	return normalizeCopy(c), err
}

func (t *sqlTx) Copies(ctx context.Context, bookID string) ([]library.Copy, error) {
	ds := t.dialect.From("bookcopies").Select(copyCols...).Order(goqu.C("copy_id").Asc())
	if bookID != "" {
		ds = ds.Where(goqu.Ex{"book_id": bookID})
	}
	copies := []library.Copy{}
	if err := t.list(ctx, &copies, ds); err != nil {
		return nil, err
	}
	for i := range copies {
		copies[i] = normalizeCopy(copies[i])
	}
	return copies, nil
}

func (t *sqlTx) AvailableCopy(ctx context.Context, bookID string) (library.Copy, error) {
	var c library.Copy
	err := t.get(ctx, &c, availableCopyQuery(t.dialect, bookID, t.lockRows), library.ErrNoAvailableCopy)
	return normalizeCopy(c), err
}

func availableCopyQuery(d goqu.DialectWrapper, bookID string, lockRows bool) *goqu.SelectDataset {
	ds := d.From("bookcopies").Select(copyCols...).
		Where(
			goqu.C("book_id").Eq(bookID),
			goqu.Func("LOWER", goqu.C("status")).Eq(strings.ToLower(string(library.StatusAvailable))),
		).
		Order(goqu.C("copy_id").Asc()).
		Limit(1)
	if lockRows {
		// Locked rows belong to concurrent borrowers; take the next free copy.
		ds = ds.ForUpdate(exp.SkipLocked)
	}
	return ds
}

func (t *sqlTx) InsertCopy(ctx context.Context, c library.Copy) error {
	return t.insert(ctx, "bookcopies", goqu.Record{
		"copy_id":        c.ID,
		"book_id":        c.BookID,
		"status":         string(c.Status),
		"location":       c.Location,
		"copy_condition": c.Condition,
	})
}

func (t *sqlTx) SetCopyStatus(ctx context.Context, id string, s library.CopyStatus) error {
	return t.update(ctx, "bookcopies", goqu.Record{"status": string(s)}, goqu.Ex{"copy_id": id})
}

func (t *sqlTx) DeleteCopy(ctx context.Context, id string) error {
	return t.exec(ctx, t.dialect.Delete("bookcopies").Where(goqu.Ex{"copy_id": id}).Prepared(true))
}

// ------------------ Transactions ------------------

func normalizeTransaction(tr library.Transaction) library.Transaction {
	tr.BorrowDate = utc(tr.BorrowDate)
	tr.DueDate = utc(tr.DueDate)
	tr.ReturnDate = utcPtr(tr.ReturnDate)
	return tr
}

func (t *sqlTx) Transaction(ctx context.Context, id string) (library.Transaction, error) {
	var tr library.Transaction
	err := t.get(ctx, &tr, t.dialect.From("transactions").Select(txCols...).Where(goqu.Ex{"transaction_id": id}), library.ErrTransactionNotFound)
	return normalizeTransaction(tr), err
}

func (t *sqlTx) Transactions(ctx context.Context) ([]library.Transaction, error) {
	txs := []library.Transaction{}
	if err := t.list(ctx, &txs, t.dialect.From("transactions").Select(txCols...).Order(goqu.C("transaction_id").Asc())); err != nil {
		return nil, err
	}
	for i := range txs {
		txs[i] = normalizeTransaction(txs[i])
	}
	return txs, nil
}

func (t *sqlTx) InsertTransaction(ctx context.Context, tr library.Transaction) error {
	return t.insert(ctx, "transactions", goqu.Record{
		"transaction_id": tr.ID,
		"user_id":        tr.UserID,
		"copy_id":        tr.CopyID,
		"borrow_date":    utc(tr.BorrowDate),
		"due_date":       utc(tr.DueDate),
		"return_date":    utcPtr(tr.ReturnDate),
	})
}

func (t *sqlTx) SaveTransaction(ctx context.Context, tr library.Transaction) error {
	return t.update(ctx, "transactions", goqu.Record{
		"user_id":     tr.UserID,
		"copy_id":     tr.CopyID,
		"borrow_date": utc(tr.BorrowDate),
		"due_date":    utc(tr.DueDate),
		"return_date": utcPtr(tr.ReturnDate),
	}, goqu.Ex{"transaction_id": tr.ID})
}

// ------------------ Fines ------------------

func normalizeFine(f library.Fine) library.Fine {
	f.DueDate = utc(f.DueDate)
	f.PaymentDate = utcPtr(f.PaymentDate)
	return f
}

func (t *sqlTx) Fine(ctx context.Context, id string) (library.Fine, error) {
	var f library.Fine
	err := t.get(ctx, &f, t.dialect.From("fines").Select(fineCols...).Where(goqu.Ex{"fine_id": id}), library.ErrFineNotFound)
	return normalizeFine(f), err
}

func (t *sqlTx) Fines(ctx context.Context) ([]library.Fine, error) {
	fines := []library.Fine{}
	if err := t.list(ctx, &fines, t.dialect.From("fines").Select(fineCols...).Order(goqu.C("fine_id").Asc())); err != nil {
		return nil, err
	}
	for i := range fines {
		fines[i] = normalizeFine(fines[i])
	}
	return fines, nil
}

func fineRecord(f library.Fine) goqu.Record {
	return goqu.Record{
		"user_id":        f.UserID,
		"transaction_id": f.TransactionID,
		"amount":         f.Amount,
		"due_date":       utc(f.DueDate),
		"payment_date":   utcPtr(f.PaymentDate),
		"fine_reason":    f.Reason,
	}
}

func (t *sqlTx) InsertFine(ctx context.Context, f library.Fine) error {
	row := fineRecord(f)
	row["fine_id"] = f.ID
	return t.insert(ctx, "fines", row)
}

func (t *sqlTx) SaveFine(ctx context.Context, f library.Fine) error {
	return t.update(ctx, "fines", fineRecord(f), goqu.Ex{"fine_id": f.ID})
}

// ------------------ Members & staff ------------------

func (t *sqlTx) Member(ctx context.Context, id string) (library.Member, error) {
	var m library.Member
	err := t.get(ctx, &m, t.dialect.From("users").Select(memberCols...).Where(goqu.Ex{"user_id": id}), library.ErrMemberNotFound)
	m.MembershipDate = utc(m.MembershipDate)
	return m, err
}

func (t *sqlTx) Members(ctx context.Context) ([]library.Member, error) {
	members := []library.Member{}
	if err := t.list(ctx, &members, t.dialect.From("users").Select(memberCols...).Order(goqu.C("user_id").Asc())); err != nil {
		return nil, err
	}
	for i := range members {
		members[i].MembershipDate = utc(members[i].MembershipDate)
	}
	return members, nil
}

func (t *sqlTx) InsertMember(ctx context.Context, m library.Member) error {
	return t.insert(ctx, "users", goqu.Record{
		"user_id":         m.ID,
		"name":            m.Name,
		"email":           m.Email,
		"password":        m.PasswordHash,
		"role":            m.Role,
		"membership_date": utc(m.MembershipDate),
	})
}

func (t *sqlTx) Staff(ctx context.Context) ([]library.Staff, error) {
	staff := []library.Staff{}
	err := t.list(ctx, &staff, t.dialect.From("staff").Select(staffCols...).Order(goqu.C("staff_id").Asc()))
	return staff, err
}

func (t *sqlTx) InsertStaff(ctx context.Context, s library.Staff) error {
	return t.insert(ctx, "staff", goqu.Record{
		"staff_id":   s.ID,
		"staff_name": s.Name,
		"email":      s.Email,
		"role":       s.Role,
		"department": s.Department,
	})
}
