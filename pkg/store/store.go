package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/conformoor/pkg/config"
	"github.com/ethpandaops/conformoor/pkg/types"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store persists the latest outcome per test identifier.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Upsert records r, replacing any earlier row for the same identifier.
	Upsert(ctx context.Context, r *Result) error

	// Lookup returns the recorded result for id, or nil if there is none.
	Lookup(ctx context.Context, id string) (*Result, error)

	ListIdentifiers(ctx context.Context) ([]string, error)
	Aggregate(ctx context.Context) (*Totals, error)

	// AggregateByGroup tallies every row under groupOf(identifier). Rows
	// for which groupOf returns "" are left out.
	AggregateByGroup(
		ctx context.Context, groupOf func(string) string,
	) (map[string]*GroupTally, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log     logrus.FieldLogger
	cfg     *config.DatabaseConfig
	timeout time.Duration
	db      *gorm.DB
}

// NewStore creates a new results Store backed by the configured driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = config.DefaultOperationTimeout
	}

	return &store{
		log:     log.WithField("component", "store"),
		cfg:     cfg,
		timeout: timeout,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening results database: %w", err)
	}

	s.db = db

	// SQLite serializes writers anyway, and ":memory:" databases are per
	// connection.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.migrate(ctx); err != nil {
		return err
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Results database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// op bounds a single store call so a hung database cannot wedge a caller.
func (s *store) op(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)

	return s.db.WithContext(opCtx), cancel
}

// Upsert inserts r or overwrites every column of the existing row.
func (s *store) Upsert(ctx context.Context, r *Result) error {
	if !r.Outcome.IsValid() {
		return fmt.Errorf("invalid outcome %q for %s", r.Outcome, r.Identifier)
	}

	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}

	db, cancel := s.op(ctx)
	defer cancel()

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}},
		UpdateAll: true,
	}).Create(r).Error; err != nil {
		return fmt.Errorf("upserting result: %w", err)
	}

	return nil
}

// Lookup returns the result for id or nil when it was never recorded.
func (s *store) Lookup(ctx context.Context, id string) (*Result, error) {
	db, cancel := s.op(ctx)
	defer cancel()

	var r Result
	if err := db.Where("identifier = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("looking up result: %w", err)
	}

	return &r, nil
}

// ListIdentifiers returns every recorded identifier.
func (s *store) ListIdentifiers(ctx context.Context) ([]string, error) {
	db, cancel := s.op(ctx)
	defer cancel()

	var ids []string
	if err := db.Model(&Result{}).
		Pluck("identifier", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing identifiers: %w", err)
	}

	return ids, nil
}

type outcomeCount struct {
	Outcome types.Outcome
	Count   int
}

// Aggregate counts recorded outcomes.
func (s *store) Aggregate(ctx context.Context) (*Totals, error) {
	db, cancel := s.op(ctx)
	defer cancel()

	var counts []outcomeCount
	if err := db.Model(&Result{}).
		Select("outcome, COUNT(*) AS count").
		Group("outcome").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("aggregating results: %w", err)
	}

	totals := &Totals{}

	for _, c := range counts {
		totals.Total += c.Count

		switch c.Outcome {
		case types.OutcomePass:
			totals.Passed += c.Count
		case types.OutcomeTimeout:
			totals.TimedOut += c.Count
			totals.Failed += c.Count
		case types.OutcomeFail:
			totals.Failed += c.Count
		}
	}

	return totals, nil
}

// AggregateByGroup tallies recorded outcomes per group key.
func (s *store) AggregateByGroup(
	ctx context.Context, groupOf func(string) string,
) (map[string]*GroupTally, error) {
	db, cancel := s.op(ctx)
	defer cancel()

	rows, err := db.Model(&Result{}).Select("identifier, outcome").Rows()
	if err != nil {
		return nil, fmt.Errorf("aggregating results by group: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]*GroupTally, 32)

	for rows.Next() {
		var id, outcome string
		if err := rows.Scan(&id, &outcome); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}

		name := groupOf(id)
		if name == "" {
			continue
		}

		g, ok := groups[name]
		if !ok {
			g = &GroupTally{Name: name}
			groups[name] = g
		}

		g.Total++
		g.Add(types.Outcome(outcome))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result rows: %w", err)
	}

	return groups, nil
}
