// Package csvstore keeps the library in a directory of CSV files, one file per
// table, compatible with the legacy csv_files layout.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"lms/library"
)

// Store implements library.Store over CSV files. All access, reads included,
// is serialized by a store-wide lock held for the whole unit of work.
type Store struct {
	dir string
	sem chan struct{}
	log *zap.Logger
}

var _ library.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// New opens the CSV directory, creating it when missing. Missing files read
// as empty tables and are created on first write.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}
	s := &Store{dir: dir, sem: make(chan struct{}, 1), log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return nil }

// Dir returns the directory backing the store.
func (s *Store) Dir() string { return s.dir }

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire csv lock: %w", ctx.Err())
	}
}

func (s *Store) release() { <-s.sem }

// Update runs fn under the store lock and writes back every table fn changed.
// Tables are replaced by rename, so a crash leaves either the old or the new
// file, never a torn one.
func (s *Store) Update(ctx context.Context, fn func(library.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return library.Unavailable(err)
	}
	defer s.release()

	tx := newTx(s.dir)
	if err := fn(tx); err != nil {
		return library.Unavailable(err)
	}
	if err := ctx.Err(); err != nil {
		return library.Unavailable(err)
	}
	return library.Unavailable(tx.flush())
}

// View runs fn under the store lock; nothing is written back.
func (s *Store) View(ctx context.Context, fn func(library.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return library.Unavailable(err)
	}
	defer s.release()

	return library.Unavailable(fn(newTx(s.dir)))
}

// ---------------------------------------------------------------------------
// Table files
// ---------------------------------------------------------------------------

// tableData is an in-memory copy of one CSV file.
type tableData struct {
	extra []string // headers with no canonical column, written back unchanged
	rows  []record
	index map[string]int
	dirty bool
}

func (t *tableData) reindex(key string) {
	t.index = make(map[string]int, len(t.rows))
	for i, r := range t.rows {
		t.index[r.get(key)] = i
	}
}

func readTable(path string, spec tableSpec) (*tableData, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		t := &tableData{}
		t.reindex(spec.key)
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		t := &tableData{}
		t.reindex(spec.key)
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", spec.file, err)
	}

	t := &tableData{}
	cols := make([]string, len(header))
	for i, h := range header {
		if c := spec.canonical(h); c != "" {
			cols[i] = c
			continue
		}
		cols[i] = strings.TrimSpace(h)
		t.extra = append(t.extra, cols[i])
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.file, err)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		rec := make(record, len(cols))
		for i, c := range cols {
			if i < len(row) {
				rec[c] = strings.TrimSpace(row[i])
			}
		}
		t.rows = append(t.rows, rec)
	}
	t.reindex(spec.key)
	return t, nil
}

func writeTable(path string, spec tableSpec, t *tableData) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	header := append(append([]string{}, spec.columns...), t.extra...)
	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	for _, rec := range t.rows {
		if err := w.Write(lo.Map(header, func(h string, _ int) string { return rec[h] })); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ---------------------------------------------------------------------------
// Transaction
// ---------------------------------------------------------------------------

// csvTx loads tables lazily and keeps them for the rest of the unit of work.
type csvTx struct {
	dir    string
	tables [tableCount]*tableData
}

func newTx(dir string) *csvTx { return &csvTx{dir: dir} }

func (tx *csvTx) table(t table) (*tableData, error) {
	if tx.tables[t] != nil {
		return tx.tables[t], nil
	}
	spec := schemas[t]
	data, err := readTable(filepath.Join(tx.dir, spec.file), spec)
	if err != nil {
		return nil, err
	}
	tx.tables[t] = data
	return data, nil
}

func (tx *csvTx) flush() error {
	var result *multierror.Error
	for t, data := range tx.tables {
		if data == nil || !data.dirty {
			continue
		}
		spec := schemas[t]
		if err := writeTable(filepath.Join(tx.dir, spec.file), spec, data); err != nil {
			result = multierror.Append(result, fmt.Errorf("write %s: %w", spec.file, err))
		}
	}
	return result.ErrorOrNil()
}

func (tx *csvTx) find(t table, id string) (record, error) {
	data, err := tx.table(t)
	if err != nil {
		return nil, err
	}
	i, ok := data.index[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	return data.rows[i], nil
}

func (tx *csvTx) all(t table) ([]record, error) {
	data, err := tx.table(t)
	if err != nil {
		return nil, err
	}
	rows := append([]record(nil), data.rows...)
	key := schemas[t].key
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].get(key) < rows[j].get(key) })
	return rows, nil
}

// put merges rec into the row with the same key, or appends it. Columns the
// caller does not know about (extra headers, staff passwords) survive the merge.
func (tx *csvTx) put(t table, rec record, mustExist bool, notFound error) error {
	data, err := tx.table(t)
	if err != nil {
		return err
	}
	key := schemas[t].key
	id := rec.get(key)
	if i, ok := data.index[id]; ok {
		for k, v := range rec {
			data.rows[i][k] = v
		}
	} else {
		if mustExist {
			return notFound
		}
		data.rows = append(data.rows, rec)
		data.index[id] = len(data.rows) - 1
	}
	data.dirty = true
	return nil
}

func (tx *csvTx) insert(t table, rec record) error {
	data, err := tx.table(t)
	if err != nil {
		return err
	}
	id := rec.get(schemas[t].key)
	if _, ok := data.index[id]; ok {
		return fmt.Errorf("%w: %s %s already exists", library.ErrConflict, strings.TrimSuffix(schemas[t].file, ".csv"), id)
	}
	return tx.put(t, rec, false, nil)
}

func (tx *csvTx) remove(t table, id string) error {
	data, err := tx.table(t)
	if err != nil {
		return err
	}
	i, ok := data.index[id]
	if !ok {
		return nil
	}
	data.rows = append(data.rows[:i], data.rows[i+1:]...)
	data.reindex(schemas[t].key)
	data.dirty = true
	return nil
}

func mapAll[T any](tx *csvTx, t table, conv func(record) T) ([]T, error) {
	rows, err := tx.all(t)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(r record, _ int) T { return conv(r) }), nil
}

func findOne[T any](tx *csvTx, t table, id string, conv func(record) T, notFound error) (T, error) {
	var zero T
	rec, err := tx.find(t, id)
	if err != nil {
		return zero, err
	}
	if rec == nil {
		return zero, notFound
	}
	return conv(rec), nil
}

// ------------------ library.Tx ------------------

func (tx *csvTx) Book(_ context.Context, id string) (library.Book, error) {
	return findOne(tx, tableBooks, id, bookFromRecord, library.ErrBookNotFound)
}

func (tx *csvTx) Books(context.Context) ([]library.Book, error) {
	return mapAll(tx, tableBooks, bookFromRecord)
}

func (tx *csvTx) InsertBook(_ context.Context, b library.Book) error {
	return tx.insert(tableBooks, bookRecord(b))
}

func (tx *csvTx) SaveBook(_ context.Context, b library.Book) error {
	return tx.put(tableBooks, bookRecord(b), true, library.ErrBookNotFound)
}

func (tx *csvTx) Category(_ context.Context, id string) (library.Category, error) {
	return findOne(tx, tableCategories, id, categoryFromRecord, library.ErrCategoryNotFound)
}

func (tx *csvTx) Categories(context.Context) ([]library.Category, error) {
	return mapAll(tx, tableCategories, categoryFromRecord)
}

func (tx *csvTx) InsertCategory(_ context.Context, c library.Category) error {
	return tx.insert(tableCategories, categoryRecord(c))
}

func (tx *csvTx) Copy(_ context.Context, id string) (library.Copy, error) {
	return findOne(tx, tableCopies, id, copyFromRecord, library.ErrCopyNotFound)
}

func (tx *csvTx) Copies(_ context.Context, bookID string) ([]library.Copy, error) {
	copies, err := mapAll(tx, tableCopies, copyFromRecord)
	if err != nil || bookID == "" {
		return copies, err
	}
	return lo.Filter(copies, func(c library.Copy, _ int) bool { return c.BookID == bookID }), nil
}

// AvailableCopy needs no row lock: the store lock already covers the whole unit of work.
func (tx *csvTx) AvailableCopy(ctx context.Context, bookID string) (library.Copy, error) {
	copies, err := tx.Copies(ctx, bookID)
	if err != nil {
		return library.Copy{}, err
	}
	c, ok := lo.Find(copies, func(c library.Copy) bool { return c.Status == library.StatusAvailable })
	if !ok {
		return library.Copy{}, library.ErrNoAvailableCopy
	}
	return c, nil
}

func (tx *csvTx) InsertCopy(_ context.Context, c library.Copy) error {
	return tx.insert(tableCopies, copyRecord(c))
}

func (tx *csvTx) SetCopyStatus(_ context.Context, id string, s library.CopyStatus) error {
	return tx.put(tableCopies, record{"copy_id": id, "status": string(s)}, true, library.ErrCopyNotFound)
}

func (tx *csvTx) DeleteCopy(_ context.Context, id string) error {
	return tx.remove(tableCopies, id)
}

func (tx *csvTx) Transaction(_ context.Context, id string) (library.Transaction, error) {
	return findOne(tx, tableTransactions, id, transactionFromRecord, library.ErrTransactionNotFound)
}

func (tx *csvTx) Transactions(context.Context) ([]library.Transaction, error) {
	return mapAll(tx, tableTransactions, transactionFromRecord)
}

func (tx *csvTx) InsertTransaction(_ context.Context, t library.Transaction) error {
	return tx.insert(tableTransactions, transactionRecord(t))
}

func (tx *csvTx) SaveTransaction(_ context.Context, t library.Transaction) error {
	return tx.put(tableTransactions, transactionRecord(t), true, library.ErrTransactionNotFound)
}

func (tx *csvTx) Fine(_ context.Context, id string) (library.Fine, error) {
	return findOne(tx, tableFines, id, fineFromRecord, library.ErrFineNotFound)
}

func (tx *csvTx) Fines(context.Context) ([]library.Fine, error) {
	return mapAll(tx, tableFines, fineFromRecord)
}

func (tx *csvTx) InsertFine(_ context.Context, f library.Fine) error {
	return tx.insert(tableFines, fineRecord(f))
}

func (tx *csvTx) SaveFine(_ context.Context, f library.Fine) error {
	return tx.put(tableFines, fineRecord(f), true, library.ErrFineNotFound)
}

func (tx *csvTx) Member(_ context.Context, id string) (library.Member, error) {
	return findOne(tx, tableMembers, id, memberFromRecord, library.ErrMemberNotFound)
}

func (tx *csvTx) Members(context.Context) ([]library.Member, error) {
	return mapAll(tx, tableMembers, memberFromRecord)
}

func (tx *csvTx) InsertMember(_ context.Context, m library.Member) error {
	return tx.insert(tableMembers, memberRecord(m))
}

func (tx *csvTx) Staff(context.Context) ([]library.Staff, error) {
	return mapAll(tx, tableStaff, staffFromRecord)
}

func (tx *csvTx) InsertStaff(_ context.Context, s library.Staff) error {
	return tx.insert(tableStaff, staffRecord(s))
}
