package accountstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ickdetector/ick-api/pkg/domain"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	// ErrUsageConflict means the quota row moved between reserve and
	// commit: the conditional increment matched no row.
	ErrUsageConflict = errors.New("quota usage conflict")
	// ErrCustomerRefImmutable means the billing customer ref was already
	// set to a different value.
	ErrCustomerRefImmutable = errors.New("billing customer ref already set")
)

const windowDateFormat = "2006-01-02"

type Config struct {
	DatabasePath   string
	MigrationsPath string
}

// Store persists accounts and the append-only readings log in sqlite.
type Store struct {
	db *sql.DB
}

func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", cfg.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite serializes writers anyway; a single connection also keeps
	// :memory: databases coherent across the pool.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db, cfg.MigrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount provisions a fresh free-plan row. Signup normally does this
// out of band; the method exists for provisioning tooling and tests.
func (s *Store) CreateAccount(ctx context.Context, userID string) (*domain.Account, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, plan) VALUES (?, ?)`,
		userID, domain.PlanFree)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, plan, quota_window_start, quota_used,
		        billing_customer_ref, billing_subscription_ref, created_at
		 FROM accounts WHERE user_id = ?`, userID)

	var (
		account     domain.Account
		windowStart sql.NullString
		customerRef sql.NullString
		subRef      sql.NullString
	)
	err := row.Scan(&account.UserID, &account.Plan, &windowStart, &account.QuotaUsed,
		&customerRef, &subRef, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	if windowStart.Valid && windowStart.String != "" {
		start, err := time.ParseInLocation(windowDateFormat, windowStart.String, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse quota window start: %w", err)
		}
		account.QuotaWindowStart = start
	}
	account.BillingCustomerRef = customerRef.String
	account.BillingSubscriptionRef = subRef.String
	return &account, nil
}

// ResetQuotaWindow opens a new accounting week and zeroes the counter.
func (s *Store) ResetQuotaWindow(ctx context.Context, userID string, windowStart time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET quota_window_start = ?, quota_used = 0 WHERE user_id = ?`,
		windowStart.UTC().Format(windowDateFormat), userID)
	if err != nil {
		return fmt.Errorf("reset quota window: %w", err)
	}
	return requireOneRow(res, ErrAccountNotFound)
}

// IncrementQuotaUsed charges one invocation, conditional on the usage value
// observed at reserve time. A stale expectation (concurrent commit, window
// rolled meanwhile) matches no row and returns ErrUsageConflict.
func (s *Store) IncrementQuotaUsed(ctx context.Context, userID string, windowStart time.Time, expectedUsed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET quota_used = quota_used + 1
		 WHERE user_id = ? AND quota_window_start = ? AND quota_used = ?`,
		userID, windowStart.UTC().Format(windowDateFormat), expectedUsed)
	if err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	return requireOneRow(res, ErrUsageConflict)
}

// SetBillingCustomerRef records the external billing customer id. Set-once:
// repeating the same ref is a no-op, changing it is an error.
func (s *Store) SetBillingCustomerRef(ctx context.Context, userID string, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET billing_customer_ref = ?
		 WHERE user_id = ? AND (billing_customer_ref IS NULL OR billing_customer_ref = '')`,
		ref, userID)
	if err != nil {
		return fmt.Errorf("set billing customer ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if account.BillingCustomerRef == ref {
		return nil
	}
	return ErrCustomerRefImmutable
}

// SetPlan reconciles the plan tier with the billing system. An empty
// subscriptionRef clears the stored ref. Last write wins.
func (s *Store) SetPlan(ctx context.Context, userID string, plan domain.Plan, subscriptionRef string) error {
	var subRef any
	if subscriptionRef != "" {
		subRef = subscriptionRef
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET plan = ?, billing_subscription_ref = ? WHERE user_id = ?`,
		plan, subRef, userID)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return requireOneRow(res, ErrAccountNotFound)
}

// InsertReading appends one analysis to the readings log. Rows are never
// updated afterwards.
func (s *Store) InsertReading(ctx context.Context, reading *domain.Reading) error {
	if reading.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return err
		}
		reading.ID = id.String()
	}
	if reading.CreatedAt.IsZero() {
		reading.CreatedAt = time.Now().UTC()
	}

	output, err := json.Marshal(reading.Verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO readings (id, user_id, tone, input_text, output_json, ick_score, category, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reading.ID, reading.UserID, reading.Tone, reading.InputText,
		string(output), reading.IckScore, reading.Category, reading.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// ListReadings returns the user's readings, newest first.
func (s *Store) ListReadings(ctx context.Context, userID string, limit int) ([]domain.Reading, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, tone, input_text, output_json, ick_score, category, created_at
		 FROM readings WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var readings []domain.Reading
	for rows.Next() {
		var (
			reading domain.Reading
			output  string
		)
		if err := rows.Scan(&reading.ID, &reading.UserID, &reading.Tone, &reading.InputText,
			&output, &reading.IckScore, &reading.Category, &reading.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if err := json.Unmarshal([]byte(output), &reading.Verdict); err != nil {
			return nil, fmt.Errorf("unmarshal verdict: %w", err)
		}
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

func requireOneRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
