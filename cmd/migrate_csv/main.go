// Command migrate_csv copies the CSV tables into a SQL database. Rows whose id
// already exists are left alone, so the tool can be re-run safely.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"lms/config"
	"lms/library"
	"lms/library/csvstore"
	"lms/library/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading configuration: %v\n", err)
		os.Exit(1)
	}

	cmd := &cobra.Command{
		Use:          "migrate_csv",
		Short:        "Import the CSV tables into the SQL store",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cfg.CSVDir, "csv-dir", cfg.CSVDir, "directory holding the CSV tables")
	cmd.Flags().StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "sql driver: sqlite3, mysql or postgres")
	cmd.Flags().StringVar(&cfg.DSN, "dsn", cfg.DSN, "sql data source name")
	cmd.Flags().StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, out io.Writer) error {
	src, err := csvstore.New(cfg.CSVDir)
	if err != nil {
		return err
	}

	dsn := cfg.DSN
	if dsn == "" {
		switch cfg.DBDriver {
		case sqlstore.DriverMySQL:
			dsn = sqlstore.MySQLDSN(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		case sqlstore.DriverSQLite:
			if dsn, err = sqlstore.SQLiteDSN(cfg.SQLitePath); err != nil {
				return err
			}
		default:
			return fmt.Errorf("no dsn configured for %s", cfg.DBDriver)
		}
	}
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	dst, err := sqlstore.NewDatabase(openCtx, cfg.DBDriver, dsn, sqlstore.WithMaxOpenConns(cfg.DBConnLimit))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dst.Close()

	return migrate(ctx, src, dst, out)
}

// tableStats counts the outcome of one table import.
type tableStats struct {
	name     string
	imported int
	skipped  int
	failed   int
}

// migrate copies every table from src to dst and then recounts book totals
// on dst. Per-row failures are collected and reported together.
func migrate(ctx context.Context, src, dst library.Store, out io.Writer) error {
	var snap struct {
		members      []library.Member
		categories   []library.Category
		books        []library.Book
		copies       []library.Copy
		transactions []library.Transaction
		fines        []library.Fine
		staff        []library.Staff
	}
	err := src.View(ctx, func(tx library.Tx) (err error) {
		if snap.members, err = tx.Members(ctx); err != nil {
			return err
		}
		if snap.categories, err = tx.Categories(ctx); err != nil {
			return err
		}
		if snap.books, err = tx.Books(ctx); err != nil {
			return err
		}
		if snap.copies, err = tx.Copies(ctx, ""); err != nil {
			return err
		}
		if snap.transactions, err = tx.Transactions(ctx); err != nil {
			return err
		}
		if snap.fines, err = tx.Fines(ctx); err != nil {
			return err
		}
		snap.staff, err = tx.Staff(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("read csv tables: %w", err)
	}

	var (
		result *multierror.Error
		stats  []tableStats
	)
	collect := func(s tableStats, err error) {
		stats = append(stats, s)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	collect(importRows(ctx, dst, "users", snap.members,
		func(m library.Member) string { return m.ID },
		func(tx library.Tx, m library.Member) error { return found(tx.Member(ctx, m.ID)) },
		func(tx library.Tx, m library.Member) error {
			if m.Role == "" {
				m.Role = "member"
			}
			return tx.InsertMember(ctx, m)
		}))
	collect(importRows(ctx, dst, "category", snap.categories,
		func(c library.Category) string { return c.ID },
		func(tx library.Tx, c library.Category) error { return found(tx.Category(ctx, c.ID)) },
		func(tx library.Tx, c library.Category) error { return tx.InsertCategory(ctx, c) }))
	collect(importRows(ctx, dst, "books", snap.books,
		func(b library.Book) string { return b.ID },
		func(tx library.Tx, b library.Book) error { return found(tx.Book(ctx, b.ID)) },
		func(tx library.Tx, b library.Book) error { return tx.InsertBook(ctx, b) }))
	collect(importRows(ctx, dst, "bookcopies", snap.copies,
		func(c library.Copy) string { return c.ID },
		func(tx library.Tx, c library.Copy) error { return found(tx.Copy(ctx, c.ID)) },
		func(tx library.Tx, c library.Copy) error {
			c.Location = lo.Ternary(c.Location == "", "main", c.Location)
			c.Condition = lo.Ternary(c.Condition == "", "good", c.Condition)
			return tx.InsertCopy(ctx, c)
		}))
	collect(importRows(ctx, dst, "transactions", snap.transactions,
		func(t library.Transaction) string { return t.ID },
		func(tx library.Tx, t library.Transaction) error { return found(tx.Transaction(ctx, t.ID)) },
		func(tx library.Tx, t library.Transaction) error { return tx.InsertTransaction(ctx, t) }))
	collect(importRows(ctx, dst, "fines", snap.fines,
		func(f library.Fine) string { return f.ID },
		func(tx library.Tx, f library.Fine) error { return found(tx.Fine(ctx, f.ID)) },
		func(tx library.Tx, f library.Fine) error { return tx.InsertFine(ctx, f) }))
	collect(importRows(ctx, dst, "staff", snap.staff,
		func(s library.Staff) string { return s.ID },
		func(tx library.Tx, s library.Staff) error {
			all, err := tx.Staff(ctx)
			if err != nil {
				return err
			}
			if lo.ContainsBy(all, func(x library.Staff) bool { return x.ID == s.ID }) {
				return nil
			}
			return library.ErrNotFound
		},
		func(tx library.Tx, s library.Staff) error { return tx.InsertStaff(ctx, s) }))

	for _, s := range stats {
		fmt.Fprintf(out, "%-14s imported %4d  skipped %4d  failed %4d\n", s.name, s.imported, s.skipped, s.failed)
	}

	fixed, err := library.NewLibraryManager(dst).Reconcile(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	} else {
		fmt.Fprintf(out, "Reconciled copy counts of %d book(s).\n", fixed)
	}
	return result.ErrorOrNil()
}

// found drops the looked-up value and keeps the lookup error.
func found[T any](_ T, err error) error { return err }

// importRows inserts each row in its own transaction so one bad row does not
// abort the rest. lookup returns nil when the row already exists in dst.
func importRows[T any](
	ctx context.Context,
	dst library.Store,
	name string,
	rows []T,
	id func(T) string,
	lookup func(library.Tx, T) error,
	insert func(library.Tx, T) error,
) (tableStats, error) {
	stats := tableStats{name: name}
	var result *multierror.Error
	for _, row := range rows {
		var skipped bool
		err := dst.Update(ctx, func(tx library.Tx) error {
			err := lookup(tx, row)
			if err == nil {
				skipped = true
				return nil
			}
			if !errors.Is(err, library.ErrNotFound) {
				return err
			}
			return insert(tx, row)
		})
		switch {
		case err != nil:
			stats.failed++
			result = multierror.Append(result, fmt.Errorf("%s %s: %w", name, id(row), err))
		case skipped:
			stats.skipped++
		default:
			stats.imported++
		}
	}
	return stats, result.ErrorOrNil()
}
