package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"library-circulation/library"
	"library-circulation/obs"
)

// app carries the global flags and the lazily opened manager.
type app struct {
	driver     string
	dbPath     string
	dsn        string
	policyPath string
	logLevel   string
	devLog     bool
	staffID    int64

	log *zap.Logger
	mgr *library.LibraryManager
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := a.rootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "librarian",
		Short:         "Library circulation: loans, fines, renewals and reservations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.driver, "driver", getenv("LIBRARY_DB_DRIVER", library.DriverSQLite), "store driver: sqlite3 or postgres")
	f.StringVar(&a.dbPath, "db", getenv("LIBRARY_DB", "library.db"), "SQLite database file")
	f.StringVar(&a.dsn, "dsn", getenv("LIBRARY_DSN", ""), "Postgres connection string")
	f.StringVar(&a.policyPath, "policy", getenv("LIBRARY_POLICY", ""), "JSON circulation policy file")
	f.StringVar(&a.logLevel, "log-level", getenv("LIBRARY_LOG_LEVEL", "warn"), "log level")
	f.BoolVar(&a.devLog, "dev-log", false, "human readable logs")
	f.Int64Var(&a.staffID, "staff", 0, "staff member id for desk operations (password is prompted)")

	root.AddCommand(
		a.serveCommand(),
		a.migrateCommand(),
		a.memberCommand(),
		a.bookCommand(),
		a.copyCommand(),
		a.issueCommand(),
		a.returnCommand(),
		a.renewCommand(),
		a.reserveCommand(),
		a.cancelReservationCommand(),
		a.fulfillCommand(),
		a.queueCommand(),
		a.finesCommand(),
		a.ledgerCommand(),
		a.holdsCommand(),
		a.activityCommand(),
	)
	return root
}

// manager opens the store on first use.
func (a *app) manager(ctx context.Context, opts ...library.Option) (*library.LibraryManager, error) {
	if a.mgr != nil {
		return a.mgr, nil
	}
	log, err := a.logger()
	if err != nil {
		return nil, err
	}

	policy := library.DefaultPolicy()
	if a.policyPath != "" {
		if policy, err = library.LoadPolicy(a.policyPath); err != nil {
			return nil, err
		}
	}

	db, err := library.OpenDatabase(ctx, library.Config{
		Driver:      a.driver,
		Path:        a.dbPath,
		DSN:         a.dsn,
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	opts = append([]library.Option{library.WithPolicy(policy), library.WithLogger(log)}, opts...)
	a.mgr = library.NewLibraryManager(db, opts...)
	return a.mgr, nil
}

func (a *app) logger() (*zap.Logger, error) {
	if a.log != nil {
		return a.log, nil
	}
	log, err := obs.NewLogger(a.logLevel, a.devLog)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	return log, nil
}

func (a *app) close() error {
	if a.log != nil {
		_ = a.log.Sync()
	}
	if a.mgr == nil {
		return nil
	}
	err := a.mgr.Close()
	a.mgr = nil
	return err
}

func (a *app) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.manager(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
