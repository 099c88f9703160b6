package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lms/api"
	"lms/config"
	"lms/library"
	"lms/library/csvstore"
	"lms/library/fallback"
	"lms/library/redisnotify"
	"lms/library/sqlstore"
)

// app carries what every command needs once the root command has run.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	mgr   *library.LibraryManager
	bus   *library.Bus
	redis *redisnotify.Notifier

	cleanup []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading configuration: %v\n", err)
		os.Exit(1)
	}

	a := &app{cfg: cfg}
	root := newRootCmd(a)
	err = root.ExecuteContext(context.Background())
	a.close()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "lms",
		Short:        "Library management service and command-line tools",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfg.Store, "store", a.cfg.Store, "storage backend: csv or sql")
	f.StringVar(&a.cfg.CSVDir, "csv-dir", a.cfg.CSVDir, "directory holding the CSV tables")
	f.StringVar(&a.cfg.DBDriver, "db-driver", a.cfg.DBDriver, "sql driver: sqlite3, mysql or postgres")
	f.StringVar(&a.cfg.DSN, "dsn", a.cfg.DSN, "sql data source name (overrides DB_* settings)")
	f.StringVar(&a.cfg.SQLitePath, "sqlite-path", a.cfg.SQLitePath, "sqlite database file")
	f.BoolVar(&a.cfg.FallbackCSV, "fallback-csv", a.cfg.FallbackCSV, "serve reads from the CSV directory while the sql store is down")
	f.StringVar(&a.cfg.RedisAddr, "redis", a.cfg.RedisAddr, "redis address for cross-instance change events")
	f.DurationVar(&a.cfg.StoreTimeout, "store-timeout", a.cfg.StoreTimeout, "deadline for a single store operation")
	f.IntVar(&a.cfg.LoanDays, "loan-days", a.cfg.LoanDays, "loan period in days")
	f.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "debug, info, warn or error")
	f.BoolVar(&a.cfg.DevLog, "dev-log", a.cfg.DevLog, "human-readable console logs")

	root.AddCommand(
		newServeCmd(a),
		newBooksCmd(a),
		newBorrowCmd(a),
		newReturnCmd(a),
		newCopyCmd(a),
		newOverdueCmd(a),
		newMemberCmd(a),
		newFineCmd(a),
		newReconcileCmd(a),
	)
	return root
}

// open builds the store, notifiers and manager from the effective configuration.
func (a *app) open(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	log, err := config.NewLogger(a.cfg.LogLevel, a.cfg.DevLog)
	if err != nil {
		return err
	}
	a.log = log
	a.cleanup = append(a.cleanup, func() { _ = log.Sync() })

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.cleanup = append(a.cleanup, func() {
		if err := store.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	})

	a.bus = library.NewBus()
	a.cleanup = append(a.cleanup, a.bus.Close)
	notifiers := library.Notifiers{a.bus}

	if a.cfg.RedisAddr != "" {
		cli := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.redis = redisnotify.New(cli, redisnotify.WithLogger(log))
		notifiers = append(notifiers, a.redis)
		a.cleanup = append(a.cleanup, func() {
			a.redis.Wait()
			_ = cli.Close()
		})
	}

	a.mgr = library.NewLibraryManager(store,
		library.WithNotifier(notifiers),
		library.WithLogger(log),
		library.WithLoanPeriod(a.cfg.LoanPeriod()),
		library.WithStoreTimeout(a.cfg.StoreTimeout),
	)
	return nil
}

func (a *app) openStore(ctx context.Context) (library.Store, error) {
	if a.cfg.Store == config.StoreCSV {
		return csvstore.New(a.cfg.CSVDir, csvstore.WithLogger(a.log))
	}

	dsn := a.cfg.DSN
	if dsn == "" {
		switch a.cfg.DBDriver {
		case sqlstore.DriverMySQL:
			dsn = sqlstore.MySQLDSN(a.cfg.DBUser, a.cfg.DBPass, a.cfg.DBHost, a.cfg.DBPort, a.cfg.DBName)
		case sqlstore.DriverSQLite:
			var err error
			if dsn, err = sqlstore.SQLiteDSN(a.cfg.SQLitePath); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("no dsn configured for %s", a.cfg.DBDriver)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 3*a.cfg.StoreTimeout)
	defer cancel()
	db, err := sqlstore.NewDatabase(ctx, a.cfg.DBDriver, dsn,
		sqlstore.WithLogger(a.log),
		sqlstore.WithMaxOpenConns(a.cfg.DBConnLimit))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !a.cfg.FallbackCSV {
		return db, nil
	}

	secondary, err := csvstore.New(a.cfg.CSVDir, csvstore.WithLogger(a.log))
	if err != nil {
		db.Close()
		return nil, err
	}
	return fallback.New(db, secondary, fallback.WithLogger(a.log)), nil
}

func newServeCmd(a *app) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == "" {
				port = a.cfg.Port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if n, err := a.mgr.Reconcile(ctx); err != nil {
				a.log.Warn("reconcile book counts", zap.Error(err))
			} else if n > 0 {
				a.log.Info("corrected book counts at startup", zap.Int("books", n))
			}

			if a.redis != nil {
				go func() {
					if err := a.redis.Run(ctx, a.bus); err != nil {
						a.log.Error("change event relay stopped", zap.Error(err))
					}
				}()
			}

			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           api.NewServer(a.mgr, a.bus, api.WithLogger(a.log)).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			a.log.Info("server started", zap.String("port", port), zap.String("store", a.cfg.Store))

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			// Closing the bus ends open event streams so Shutdown does not wait on them.
			a.bus.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.log.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (default $PORT or 3000)")
	return cmd
}
