package library

import "context"

// Store is the swappable persistence backend. Update runs fn as one atomic,
// serialized read-modify-write; View runs a read-only fn. Implementations
// return ErrStoreUnavailable for I/O failures and deadline overruns.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the read/write-by-key surface the core needs from a store.
// Lookups of unknown ids return the matching *NotFound error.
type Tx interface {
	Book(ctx context.Context, id string) (Book, error)
	Books(ctx context.Context) ([]Book, error)
	InsertBook(ctx context.Context, b Book) error
	SaveBook(ctx context.Context, b Book) error

	Category(ctx context.Context, id string) (Category, error)
	Categories(ctx context.Context) ([]Category, error)
	InsertCategory(ctx context.Context, c Category) error

	Copy(ctx context.Context, id string) (Copy, error)
	// Copies lists the copies of bookID, or every copy when bookID is empty,
	// ordered by copy id.
	Copies(ctx context.Context, bookID string) ([]Copy, error)
	// AvailableCopy returns the Available copy of bookID with the lowest id and
	// locks it for the rest of the transaction. ErrNoAvailableCopy if none.
	AvailableCopy(ctx context.Context, bookID string) (Copy, error)
	InsertCopy(ctx context.Context, c Copy) error
	SetCopyStatus(ctx context.Context, id string, s CopyStatus) error
	DeleteCopy(ctx context.Context, id string) error

	Transaction(ctx context.Context, id string) (Transaction, error)
	Transactions(ctx context.Context) ([]Transaction, error)
	InsertTransaction(ctx context.Context, t Transaction) error
	SaveTransaction(ctx context.Context, t Transaction) error

	Fine(ctx context.Context, id string) (Fine, error)
	Fines(ctx context.Context) ([]Fine, error)
	InsertFine(ctx context.Context, f Fine) error
	SaveFine(ctx context.Context, f Fine) error

	Member(ctx context.Context, id string) (Member, error)
	Members(ctx context.Context) ([]Member, error)
	InsertMember(ctx context.Context, m Member) error

	Staff(ctx context.Context) ([]Staff, error)
	InsertStaff(ctx context.Context, s Staff) error
}
