package library

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultLoanPeriod   = 14 * 24 * time.Hour
	DefaultStoreTimeout = 5 * time.Second

	defaultFineReason = "Fine added on return"
	defaultLocation   = "main"
	defaultCondition  = "good"
)

// LibraryManager implements the circulation operations on top of a Store.
// It is safe for concurrent use; serialization is the store's job.
type LibraryManager struct {
	store    Store
	notifier Notifier
	log      *zap.Logger

	now          func() time.Time
	newID        func(prefix string) string
	loanPeriod   time.Duration
	storeTimeout time.Duration
}

// Option configures a LibraryManager.
type Option func(*LibraryManager)

func WithNotifier(n Notifier) Option { return func(lm *LibraryManager) { lm.notifier = n } }

func WithLogger(l *zap.Logger) Option { return func(lm *LibraryManager) { lm.log = l } }

func WithClock(now func() time.Time) Option { return func(lm *LibraryManager) { lm.now = now } }

// WithLoanPeriod sets the time between borrow date and due date.
func WithLoanPeriod(d time.Duration) Option { return func(lm *LibraryManager) { lm.loanPeriod = d } }

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(lm *LibraryManager) { lm.storeTimeout = d }
}

// WithIDGenerator replaces the random id source, mostly for tests.
func WithIDGenerator(gen func(prefix string) string) Option {
	return func(lm *LibraryManager) { lm.newID = gen }
}

// NewLibraryManager wires the manager around an already opened store.
func NewLibraryManager(store Store, opts ...Option) *LibraryManager {
	lm := &LibraryManager{
		store:        store,
		notifier:     NopNotifier{},
		log:          zap.NewNop(),
		now:          time.Now,
		newID:        RandomID,
		loanPeriod:   DefaultLoanPeriod,
		storeTimeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Close closes the underlying store.
func (lm *LibraryManager) Close() error { return lm.store.Close() }

// RandomID returns prefix followed by ten upper-case hex digits, e.g. "T3F09A1C2B4".
func RandomID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + strings.ToUpper(raw[:10])
}

func (lm *LibraryManager) update(ctx context.Context, fn func(Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, lm.storeTimeout)
	defer cancel()
	return Unavailable(lm.store.Update(ctx, fn))
}

func (lm *LibraryManager) view(ctx context.Context, fn func(Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, lm.storeTimeout)
	defer cancel()
	return Unavailable(lm.store.View(ctx, fn))
}

// clock returns the current time at the precision every store can keep.
func (lm *LibraryManager) clock() time.Time {
	return lm.now().UTC().Truncate(time.Second)
}

func (lm *LibraryManager) publish(ctx context.Context, t EventType, p EventPayload) {
	lm.notifier.Publish(context.WithoutCancel(ctx), Event{Type: t, Payload: p, Timestamp: lm.now().UTC()})
}

// recount rewrites the aggregate counts of bookID from its copy records.
func recount(ctx context.Context, tx Tx, book Book) (Book, error) {
	copies, err := tx.Copies(ctx, book.ID)
	if err != nil {
		return Book{}, err
	}
	book.Total = len(copies)
	book.Available = lo.CountBy(copies, func(c Copy) bool { return c.Status == StatusAvailable })
	if err := tx.SaveBook(ctx, book); err != nil {
		return Book{}, err
	}
	return book, nil
}

// ------------------ Circulation ------------------

// Borrow lends the Available copy of bookID with the lowest copy id to userID.
func (lm *LibraryManager) Borrow(ctx context.Context, bookID, userID string) (Loan, error) {
	bookID, userID = strings.TrimSpace(bookID), strings.TrimSpace(userID)
	if bookID == "" || userID == "" {
		return Loan{}, invalid("book_id and user_id are required")
	}

	var loan Loan
	err := lm.update(ctx, func(tx Tx) error {
		book, err := tx.Book(ctx, bookID)
		if err != nil {
			return err
		}
		c, err := tx.AvailableCopy(ctx, bookID)
		if err != nil {
			return err
		}
		if err := tx.SetCopyStatus(ctx, c.ID, StatusBorrowed); err != nil {
			return err
		}
		c.Status = StatusBorrowed

		now := lm.clock()
		t := Transaction{
			ID:         lm.newID("T"),
			UserID:     userID,
			CopyID:     c.ID,
			BorrowDate: now,
			DueDate:    now.Add(lm.loanPeriod),
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		if book, err = recount(ctx, tx, book); err != nil {
			return err
		}
		loan = Loan{Transaction: t, Copy: c, Book: book}
		return nil
	})
	if err != nil {
		return Loan{}, fmt.Errorf("borrow %s: %w", bookID, err)
	}

	lm.log.Info("book borrowed",
		zap.String("book_id", bookID),
		zap.String("user_id", userID),
		zap.String("copy_id", loan.Copy.ID),
		zap.String("transaction_id", loan.Transaction.ID))
	lm.publish(ctx, EventBorrow, EventPayload{
		TransactionID: loan.Transaction.ID,
		UserID:        userID,
		BookID:        bookID,
		BookTitle:     loan.Book.Title,
	})
	return loan, nil
}

// ReturnCopy closes an open transaction, frees its copy and posts a fine when
// FineAmount is positive. Returning a closed transaction fails with ErrAlreadyReturned.
func (lm *LibraryManager) ReturnCopy(ctx context.Context, req ReturnRequest) (Return, error) {
	id := strings.TrimSpace(req.TransactionID)
	if id == "" {
		return Return{}, invalid("transaction_id is required")
	}
	if req.FineAmount < 0 || math.IsNaN(req.FineAmount) || math.IsInf(req.FineAmount, 0) {
		return Return{}, invalid("fine_amount must be a non-negative number")
	}

	var (
		res  Return
		book Book
	)
	err := lm.update(ctx, func(tx Tx) error {
		t, err := tx.Transaction(ctx, id)
		if err != nil {
			return err
		}
		if !t.Open() {
			return ErrAlreadyReturned
		}

		now := lm.clock()
		returned := now
		if req.ReturnDate != nil {
			returned = req.ReturnDate.UTC().Truncate(time.Second)
		}
		t.ReturnDate = &returned
		if err := tx.SaveTransaction(ctx, t); err != nil {
			return err
		}

		c, err := tx.Copy(ctx, t.CopyID)
		switch {
		case errors.Is(err, ErrCopyNotFound):
			// legacy rows may reference copies that no longer exist
			lm.log.Warn("returned transaction references unknown copy",
				zap.String("transaction_id", t.ID), zap.String("copy_id", t.CopyID))
		case err != nil:
			return err
		default:
			if err := tx.SetCopyStatus(ctx, c.ID, StatusAvailable); err != nil {
				return err
			}
			if book, err = tx.Book(ctx, c.BookID); err == nil {
				if book, err = recount(ctx, tx, book); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrBookNotFound) {
				return err
			}
		}

		var fine *Fine
		if req.FineAmount > 0 {
			reason := strings.TrimSpace(req.FineReason)
			if reason == "" {
				reason = defaultFineReason
			}
			fine = &Fine{
				ID:            lm.newID("F"),
				UserID:        t.UserID,
				TransactionID: t.ID,
				Amount:        roundCents(req.FineAmount),
				DueDate:       now,
				Reason:        reason,
			}
			if err := tx.InsertFine(ctx, *fine); err != nil {
				return err
			}
		}
		res = Return{Transaction: t, Fine: fine}
		return nil
	})
	if err != nil {
		return Return{}, fmt.Errorf("return %s: %w", id, err)
	}

	fields := []zap.Field{
		zap.String("transaction_id", id),
		zap.String("user_id", res.Transaction.UserID),
		zap.String("copy_id", res.Transaction.CopyID),
	}
	if res.Fine != nil {
		fields = append(fields, zap.String("fine_id", res.Fine.ID), zap.Float64("amount", res.Fine.Amount))
	}
	lm.log.Info("book returned", fields...)
	lm.publish(ctx, EventReturn, EventPayload{
		TransactionID: id,
		UserID:        res.Transaction.UserID,
		BookID:        book.ID,
		BookTitle:     book.Title,
	})
	return res, nil
}

// ------------------ Fines ------------------

// MarkFinePaid stamps the fine's payment date with the current time.
func (lm *LibraryManager) MarkFinePaid(ctx context.Context, fineID string) (Fine, error) {
	now := lm.clock()
	return lm.UpdateFine(ctx, fineID, FinePatch{PaymentDate: &now})
}

// UpdateFine merges the non-nil fields of patch into the fine.
func (lm *LibraryManager) UpdateFine(ctx context.Context, fineID string, patch FinePatch) (Fine, error) {
	fineID = strings.TrimSpace(fineID)
	if fineID == "" {
		return Fine{}, invalid("fine id is required")
	}
	if patch.Empty() {
		return Fine{}, invalid("no fields to update")
	}
	if patch.Amount != nil && (*patch.Amount < 0 || math.IsNaN(*patch.Amount)) {
		return Fine{}, invalid("amount must be a non-negative number")
	}

	var fine Fine
	err := lm.update(ctx, func(tx Tx) error {
		f, err := tx.Fine(ctx, fineID)
		if err != nil {
			return err
		}
		if patch.Amount != nil {
			f.Amount = roundCents(*patch.Amount)
		}
		if patch.DueDate != nil {
			f.DueDate = patch.DueDate.UTC().Truncate(time.Second)
		}
		if patch.ClearPayment {
			f.PaymentDate = nil
		}
		if patch.PaymentDate != nil {
			paid := patch.PaymentDate.UTC().Truncate(time.Second)
			f.PaymentDate = &paid
		}
		if patch.Reason != nil {
			f.Reason = *patch.Reason
		}
		if err := tx.SaveFine(ctx, f); err != nil {
			return err
		}
		fine = f
		return nil
	})
	if err != nil {
		return Fine{}, fmt.Errorf("update fine %s: %w", fineID, err)
	}
	lm.log.Info("fine updated", zap.String("fine_id", fineID), zap.Bool("paid", fine.PaymentDate != nil))
	return fine, nil
}

func roundCents(v float64) float64 { return math.Round(v*100) / 100 }

// ------------------ Copy lifecycle ------------------

// AddCopy puts a new Available copy of bookID into circulation.
func (lm *LibraryManager) AddCopy(ctx context.Context, bookID string) (CopyChange, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return CopyChange{}, invalid("book_id is required")
	}

	var change CopyChange
	err := lm.update(ctx, func(tx Tx) error {
		book, err := tx.Book(ctx, bookID)
		if err != nil {
			return err
		}
		c := Copy{
			ID:        lm.newID("C"),
			BookID:    bookID,
			Status:    StatusAvailable,
			Location:  defaultLocation,
			Condition: defaultCondition,
		}
		if err := tx.InsertCopy(ctx, c); err != nil {
			return err
		}
		if book, err = recount(ctx, tx, book); err != nil {
			return err
		}
		change = CopyChange{Copy: c, Total: book.Total, Available: book.Available}
		return nil
	})
	if err != nil {
		return CopyChange{}, fmt.Errorf("add copy of %s: %w", bookID, err)
	}

	lm.log.Info("copy added", zap.String("book_id", bookID), zap.String("copy_id", change.Copy.ID))
	lm.publish(ctx, EventAddCopy, EventPayload{BookID: bookID})
	return change, nil
}

// RemoveCopy takes an Available copy of bookID out of circulation. With an
// empty copyID the Available copy with the lowest id is chosen.
func (lm *LibraryManager) RemoveCopy(ctx context.Context, bookID, copyID string) (CopyChange, error) {
	bookID, copyID = strings.TrimSpace(bookID), strings.TrimSpace(copyID)
	if bookID == "" {
		return CopyChange{}, invalid("book_id is required")
	}

	var change CopyChange
	err := lm.update(ctx, func(tx Tx) error {
		book, err := tx.Book(ctx, bookID)
		if err != nil {
			return err
		}

		var c Copy
		if copyID == "" {
			if c, err = tx.AvailableCopy(ctx, bookID); err != nil {
				return err
			}
		} else {
			if c, err = tx.Copy(ctx, copyID); err != nil {
				return err
			}
			if c.BookID != bookID {
				return fmt.Errorf("%w: %s is not a copy of %s", ErrCopyNotFound, copyID, bookID)
			}
			if c.Status != StatusAvailable {
				return ErrCopyNotAvailable
			}
		}

		if err := tx.DeleteCopy(ctx, c.ID); err != nil {
			return err
		}
		if book, err = recount(ctx, tx, book); err != nil {
			return err
		}
		change = CopyChange{Copy: c, Total: book.Total, Available: book.Available}
		return nil
	})
	if err != nil {
		return CopyChange{}, fmt.Errorf("remove copy of %s: %w", bookID, err)
	}

	lm.log.Info("copy removed", zap.String("book_id", bookID), zap.String("copy_id", change.Copy.ID))
	lm.publish(ctx, EventRemoveCopy, EventPayload{BookID: bookID})
	return change, nil
}

// Reconcile recomputes total/available of every book from its copies and
// returns how many books were corrected.
func (lm *LibraryManager) Reconcile(ctx context.Context) (int, error) {
	var fixed int
	err := lm.update(ctx, func(tx Tx) error {
		fixed = 0
		books, err := tx.Books(ctx)
		if err != nil {
			return err
		}
		copies, err := tx.Copies(ctx, "")
		if err != nil {
			return err
		}
		byBook := lo.GroupBy(copies, func(c Copy) string { return c.BookID })
		for _, b := range books {
			total := len(byBook[b.ID])
			avail := lo.CountBy(byBook[b.ID], func(c Copy) bool { return c.Status == StatusAvailable })
			if b.Total == total && b.Available == avail {
				continue
			}
			b.Total, b.Available = total, avail
			if err := tx.SaveBook(ctx, b); err != nil {
				return err
			}
			fixed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}
	if fixed > 0 {
		lm.log.Info("book counts reconciled", zap.Int("books", fixed))
	}
	return fixed, nil
}

// ------------------ Queries ------------------

// ListOverdue returns open transactions whose due date is before asOf,
// ordered by due date and then transaction id. Rows without a due date are skipped.
func (lm *LibraryManager) ListOverdue(ctx context.Context, asOf time.Time) ([]Overdue, error) {
	var out []Overdue
	err := lm.view(ctx, func(tx Tx) error {
		txs, err := tx.Transactions(ctx)
		if err != nil {
			return err
		}
		late := lo.Filter(txs, func(t Transaction, _ int) bool {
			return t.Open() && !t.DueDate.IsZero() && t.DueDate.Before(asOf)
		})
		if len(late) == 0 {
			out = []Overdue{}
			return nil
		}

		members, err := tx.Members(ctx)
		if err != nil {
			return err
		}
		copies, err := tx.Copies(ctx, "")
		if err != nil {
			return err
		}
		books, err := tx.Books(ctx)
		if err != nil {
			return err
		}
		memberByID := lo.KeyBy(members, func(m Member) string { return m.ID })
		copyByID := lo.KeyBy(copies, func(c Copy) string { return c.ID })
		bookByID := lo.KeyBy(books, func(b Book) string { return b.ID })

		out = lo.Map(late, func(t Transaction, _ int) Overdue {
			m := memberByID[t.UserID]
			c := copyByID[t.CopyID]
			return Overdue{
				TransactionID: t.ID,
				UserID:        t.UserID,
				UserName:      m.Name,
				Email:         m.Email,
				CopyID:        t.CopyID,
				BookID:        c.BookID,
				BookTitle:     bookByID[c.BookID].Title,
				BorrowDate:    t.BorrowDate,
				DueDate:       t.DueDate,
			}
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

// ------------------ Book helpers ------------------

// UpdateBook edits a book's descriptive fields. The category must exist.
func (lm *LibraryManager) UpdateBook(ctx context.Context, bookID string, u BookUpdate) (Book, error) {
	bookID = strings.TrimSpace(bookID)
	u.Title, u.Author, u.CategoryID = strings.TrimSpace(u.Title), strings.TrimSpace(u.Author), strings.TrimSpace(u.CategoryID)
	if bookID == "" || u.Title == "" || u.Author == "" || u.CategoryID == "" {
		return Book{}, invalid("missing required fields")
	}

	var book Book
	err := lm.update(ctx, func(tx Tx) error {
		b, err := tx.Book(ctx, bookID)
		if err != nil {
			return err
		}
		if _, err := tx.Category(ctx, u.CategoryID); err != nil {
			return err
		}
		b.Title, b.Author, b.CategoryID, b.Description = u.Title, u.Author, u.CategoryID, u.Description
		if err := tx.SaveBook(ctx, b); err != nil {
			return err
		}
		book = b
		return nil
	})
	if err != nil {
		return Book{}, fmt.Errorf("update book %s: %w", bookID, err)
	}

	lm.log.Info("book edited", zap.String("book_id", bookID))
	lm.publish(ctx, EventEditBook, EventPayload{BookID: bookID, BookTitle: book.Title})
	return book, nil
}

func (lm *LibraryManager) GetBook(ctx context.Context, id string) (Book, error) {
	var b Book
	err := lm.view(ctx, func(tx Tx) (err error) {
		b, err = tx.Book(ctx, id)
		return err
	})
	return b, err
}

func (lm *LibraryManager) GetAllBooks(ctx context.Context) ([]Book, error) {
	var books []Book
	err := lm.view(ctx, func(tx Tx) (err error) {
		books, err = tx.Books(ctx)
		return err
	})
	return books, err
}

func (lm *LibraryManager) GetCategories(ctx context.Context) ([]Category, error) {
	var cats []Category
	err := lm.view(ctx, func(tx Tx) (err error) {
		cats, err = tx.Categories(ctx)
		return err
	})
	return cats, err
}

// GetCopies lists copies of bookID, or all copies when bookID is empty.
func (lm *LibraryManager) GetCopies(ctx context.Context, bookID string) ([]Copy, error) {
	var copies []Copy
	err := lm.view(ctx, func(tx Tx) (err error) {
		copies, err = tx.Copies(ctx, bookID)
		return err
	})
	return copies, err
}

func (lm *LibraryManager) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var t Transaction
	err := lm.view(ctx, func(tx Tx) (err error) {
		t, err = tx.Transaction(ctx, id)
		return err
	})
	return t, err
}

func (lm *LibraryManager) GetTransactions(ctx context.Context) ([]Transaction, error) {
	var txs []Transaction
	err := lm.view(ctx, func(tx Tx) (err error) {
		txs, err = tx.Transactions(ctx)
		return err
	})
	return txs, err
}

func (lm *LibraryManager) GetFines(ctx context.Context) ([]Fine, error) {
	var fines []Fine
	err := lm.view(ctx, func(tx Tx) (err error) {
		fines, err = tx.Fines(ctx)
		return err
	})
	return fines, err
}

func (lm *LibraryManager) GetStaff(ctx context.Context) ([]Staff, error) {
	var staff []Staff
	err := lm.view(ctx, func(tx Tx) (err error) {
		staff, err = tx.Staff(ctx)
		return err
	})
	return staff, err
}

// ------------------ Member helpers ------------------

// AddMember registers a member with role "member" and a bcrypt password hash.
func (lm *LibraryManager) AddMember(ctx context.Context, nm NewMember) (Member, error) {
	nm.Name, nm.Email = strings.TrimSpace(nm.Name), strings.TrimSpace(nm.Email)
	if nm.Name == "" || nm.Email == "" || nm.Password == "" {
		return Member{}, invalid("missing fields")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(nm.Password), bcrypt.DefaultCost)
	if err != nil {
		return Member{}, invalid("password: %v", err)
	}

	now := lm.clock()
	m := Member{
		ID:             lm.newID("U"),
		Name:           nm.Name,
		Email:          nm.Email,
		PasswordHash:   string(hash),
		Role:           "member",
		MembershipDate: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
	}
	if err := lm.update(ctx, func(tx Tx) error { return tx.InsertMember(ctx, m) }); err != nil {
		return Member{}, fmt.Errorf("add member: %w", err)
	}
	lm.log.Info("member added", zap.String("user_id", m.ID))
	return m, nil
}

func (lm *LibraryManager) GetMember(ctx context.Context, id string) (Member, error) {
	var m Member
	err := lm.view(ctx, func(tx Tx) (err error) {
		m, err = tx.Member(ctx, id)
		return err
	})
	return m, err
}

func (lm *LibraryManager) GetAllMembers(ctx context.Context) ([]Member, error) {
	var members []Member
	err := lm.view(ctx, func(tx Tx) (err error) {
		members, err = tx.Members(ctx)
		return err
	})
	return members, err
}

// AuthenticateMember checks password against the stored hash.
func (lm *LibraryManager) AuthenticateMember(ctx context.Context, id, password string) error {
	m, err := lm.GetMember(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		return invalid("invalid credentials")
	}
	return nil
}
