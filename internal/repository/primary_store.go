package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/atc-api/internal/animal"
	"github.com/example/atc-api/internal/logging"
)

const migrateTimeout = 10 * time.Second

// PrimaryOptions configures the Postgres-backed primary store.
type PrimaryOptions struct {
	DSN string
	// ConnectTimeout caps a single dial, overriding a larger or missing
	// connect_timeout in DSN.
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
	MaxIdleConns   int
	MaxOpenConns   int
}

// PrimaryStore persists animal records in Postgres through gorm. The
// connection is opened lazily on first use and then reused until Close.
type PrimaryStore struct {
	open         func() (*gorm.DB, error)
	opTimeout    time.Duration
	maxIdleConns int
	maxOpenConns int
	logger       *zap.Logger

	connects singleflight.Group

	mu          sync.Mutex
	db          *gorm.DB
	closed      bool
	nextAttempt time.Time
	reconnectIn time.Duration

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPrimaryStore creates a store for the given options. No connection is made
// until Init or the first operation.
func NewPrimaryStore(opts PrimaryOptions, logger *zap.Logger) *PrimaryStore {
	dsn, connectTimeout := opts.DSN, opts.ConnectTimeout
	return &PrimaryStore{
		open: func() (*gorm.DB, error) {
			return openPostgres(dsn, connectTimeout)
		},
		opTimeout:      opts.OpTimeout,
		maxIdleConns:   opts.MaxIdleConns,
		maxOpenConns:   opts.MaxOpenConns,
		logger:         logger.Named("primary_store"),
		reconnectIn:    5 * time.Second,
		retryAttempts:  2,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     250 * time.Millisecond,
	}
}

// Init opens the connection and ensures the schema. Failure leaves the store
// usable; later operations retry the connection.
func (s *PrimaryStore) Init(ctx context.Context) error {
	_, err := s.await(ctx)
	return err
}

// Close releases the connection. The store cannot be reopened.
func (s *PrimaryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	return closeDB(s.db)
}

// handle returns the open connection, waiting at most the operation timeout
// for a dial in progress.
func (s *PrimaryStore) handle(ctx context.Context) (*gorm.DB, error) {
	if s.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
	}
	return s.await(ctx)
}

// await joins the single in-flight connection attempt, starting one if
// needed. The dial itself is not tied to ctx, so a caller that gives up does
// not abort it for the others.
func (s *PrimaryStore) await(ctx context.Context) (*gorm.DB, error) {
	s.mu.Lock()
	closed, db := s.closed, s.db
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	if db != nil {
		return db, nil
	}

	select {
	case res := <-s.connects.DoChan("connect", s.connect):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*gorm.DB), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for connection: %v", ErrUnavailable, ctx.Err())
	}
}

func (s *PrimaryStore) connect() (interface{}, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: store closed", ErrUnavailable)
	case s.db != nil:
		db := s.db
		s.mu.Unlock()
		return db, nil
	case time.Now().Before(s.nextAttempt):
		next := s.nextAttempt
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: reconnect backoff until %s", ErrUnavailable, next.Format(time.RFC3339))
	}
	s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		s.mu.Lock()
		s.nextAttempt = time.Now().Add(s.reconnectIn)
		s.mu.Unlock()
		s.logger.Warn("primary store connection failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxIdleConns(s.maxIdleConns)
		sqlDB.SetMaxOpenConns(s.maxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	s.ensureSchema(db)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if err := closeDB(db); err != nil {
			s.logger.Warn("closing connection opened after shutdown", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	s.db = db
	return db, nil
}

// ensureSchema creates the table and its indexes. Concurrent or repeated
// migrations may fail on already-existing objects; that is logged, not fatal.
func (s *PrimaryStore) ensureSchema(db *gorm.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := db.WithContext(ctx).AutoMigrate(&AnimalRow{}); err != nil {
		s.logger.Warn("schema migration failed, continuing", zap.Error(err))
	}
}

// openPostgres dials dsn through pgx with the connect timeout capped.
func openPostgres(dsn string, connectTimeout time.Duration) (*gorm.DB, error) {
	connConfig, err := parseDSN(dsn, connectTimeout)
	if err != nil {
		return nil, err
	}
	sqlDB := stdlib.OpenDB(*connConfig)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func parseDSN(dsn string, connectTimeout time.Duration) (*pgx.ConnConfig, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if connectTimeout > 0 && (connConfig.ConnectTimeout <= 0 || connConfig.ConnectTimeout > connectTimeout) {
		connConfig.ConnectTimeout = connectTimeout
	}
	return connConfig, nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Find loads the record for animalID.
func (s *PrimaryStore) Find(ctx context.Context, animalID string) (*animal.Record, error) {
	const op = "repository.primary.find"
	db, err := s.handle(ctx)
	if err != nil {
		return nil, logging.NewOperationError(op, animalID, err)
	}

	var row AnimalRow
	err = s.executeWithRetry(ctx, op, animalID, func(ctx context.Context) error {
		return db.WithContext(ctx).Where("animal_id = ?", animalID).Take(&row).Error
	})
	if err != nil {
		return nil, classify(op, animalID, err)
	}
	return row.record(), nil
}

// Upsert writes rec in a single statement. With appended set, the existing
// view list is extended by that one view; otherwise it is replaced by rec.Views.
func (s *PrimaryStore) Upsert(ctx context.Context, rec *animal.Record, appended *animal.View) error {
	const op = "repository.primary.upsert"
	db, err := s.handle(ctx)
	if err != nil {
		return logging.NewOperationError(op, rec.AnimalID, err)
	}

	row := rowFromRecord(rec)
	views := gorm.Expr("EXCLUDED.views")
	if appended != nil {
		row.Views = []animal.View{*appended}
		views = gorm.Expr(`"animal_records"."views" || EXCLUDED.views`)
	}

	set := clause.AssignmentColumns([]string{"breed", "weight", "measurements", "score", "verdict", "timestamp"})
	set = append(set,
		clause.Assignment{Column: clause.Column{Name: "views"}, Value: views},
		clause.Assignment{Column: clause.Column{Name: "farmer_id"}, Value: gorm.Expr(`COALESCE(EXCLUDED.farmer_id, "animal_records"."farmer_id")`)},
	)

	err = s.executeWithRetry(ctx, op, rec.AnimalID, func(ctx context.Context) error {
		return db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "animal_id"}},
			DoUpdates: set,
		}).Create(row).Error
	})
	if err != nil {
		return classify(op, rec.AnimalID, err)
	}
	return nil
}

// UpdateDetails overwrites the scalar fields of an existing record, leaving
// its views alone.
func (s *PrimaryStore) UpdateDetails(ctx context.Context, rec *animal.Record) error {
	const op = "repository.primary.update_details"
	db, err := s.handle(ctx)
	if err != nil {
		return logging.NewOperationError(op, rec.AnimalID, err)
	}

	row := rowFromRecord(rec)
	var affected int64
	err = s.executeWithRetry(ctx, op, rec.AnimalID, func(ctx context.Context) error {
		res := db.WithContext(ctx).Model(&AnimalRow{}).
			Where("animal_id = ?", rec.AnimalID).
			Select("breed", "weight", "farmer_id", "measurements", "score", "verdict", "timestamp").
			Updates(row)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return classify(op, rec.AnimalID, err)
	}
	if affected == 0 {
		return logging.NewOperationError(op, rec.AnimalID, ErrNotFound)
	}
	return nil
}

// Ping reports whether the primary store is reachable.
func (s *PrimaryStore) Ping(ctx context.Context) error {
	const op = "repository.primary.ping"
	db, err := s.handle(ctx)
	if err != nil {
		return logging.NewOperationError(op, "", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return logging.NewOperationError(op, "", err)
	}
	if s.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classify(op, "", err)
	}
	return nil
}

// executeWithRetry runs fn under the store's operation timeout, retrying
// transient failures with exponential backoff.
func (s *PrimaryStore) executeWithRetry(ctx context.Context, operation, animalID string, fn func(context.Context) error) error {
	if s.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
	}

	attempts := s.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, animalID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, animalID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn(ctx)
		if err == nil {
			if attempt > 0 {
				opLogger.Info("primary store operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransientError(err) || attempt == attempts-1 {
			return logging.NewOperationError(operation, animalID, err)
		}

		opLogger.Warn("transient primary store error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, animalID, err)
}

// classify maps raw store errors onto ErrNotFound or ErrUnavailable.
func classify(operation, animalID string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, ErrNotFound):
		return logging.NewOperationError(operation, animalID, ErrNotFound)
	case errors.Is(err, ErrUnavailable):
		return err
	default:
		cause := err
		var opErr *logging.OperationError
		if errors.As(err, &opErr) {
			cause = opErr.Err
		}
		return logging.NewOperationError(operation, animalID, fmt.Errorf("%w: %v", ErrUnavailable, cause))
	}
}
