// Package postgres implements the repository contracts on PostgreSQL through
// database/sql and the pgx stdlib driver. Schema changes ship as embedded
// goose migrations.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"email-auth-service/internal/config"
	"email-auth-service/internal/repository"
	"email-auth-service/internal/util"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}

type Store struct {
	db       *sql.DB
	accounts *AccountRepository
	otps     *OTPRepository
	activity *ActivityRepository
}

// Open connects with the pgx driver, applies pool settings and optionally runs
// the embedded migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	s := NewStore(db)
	if cfg.RunMigrations {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration error: %w", err)
		}
	}

	util.Info("Postgres store ready", util.Bool("migrations", cfg.RunMigrations))
	return s, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		accounts: NewAccountRepository(db),
		otps:     NewOTPRepository(db),
		activity: NewActivityRepository(db),
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

func (s *Store) Accounts() repository.AccountRepository { return s.accounts }

func (s *Store) OTPs() repository.OTPRepository { return s.otps }

func (s *Store) Activity() repository.ActivityRepository { return s.activity }

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == uniqueViolation
}
