package repository

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/atc-api/internal/animal"
	"github.com/example/atc-api/internal/logging"
	"github.com/example/atc-api/internal/metrics"
)

// Primary is the structured store behind ResilientStore.
type Primary interface {
	Find(ctx context.Context, animalID string) (*animal.Record, error)
	Upsert(ctx context.Context, rec *animal.Record, appended *animal.View) error
	UpdateDetails(ctx context.Context, rec *animal.Record) error
	Ping(ctx context.Context) error
}

// Source tells where a loaded record came from.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// Snapshot is a loaded record plus its provenance.
type Snapshot struct {
	Record *animal.Record
	Source Source
	// Resync is set whenever the record did not come from an up-to-date
	// primary; the next write then replaces the primary view list instead of
	// appending to it.
	Resync bool
}

// ResilientStore writes every record to the primary store and to a local
// fallback file, and reads from whichever can answer.
type ResilientStore struct {
	primary Primary
	files   *FileStore
	metrics *metrics.Manager
	logger  *zap.Logger
}

// NewResilientStore combines a primary store with a fallback file store.
func NewResilientStore(primary Primary, files *FileStore, m *metrics.Manager, logger *zap.Logger) *ResilientStore {
	return &ResilientStore{
		primary: primary,
		files:   files,
		metrics: m,
		logger:  logger.Named("resilient_store"),
	}
}

// Load returns the freshest record available for animalID. The primary store
// is consulted first; the fallback file answers when the primary fails and
// also wins when it holds more views than the primary.
func (s *ResilientStore) Load(ctx context.Context, animalID string) (Snapshot, error) {
	opLogger := logging.WithOperation(s.logger, "repository.load", animalID)

	primaryRec, perr := s.primary.Find(ctx, animalID)
	if perr != nil && !errors.Is(perr, ErrNotFound) {
		s.metrics.ObservePrimaryFailure("find")
		opLogger.Warn("primary store read failed, using fallback file", zap.Error(perr))
	}

	fileRec, ferr := s.files.Load(animalID)
	if ferr != nil && !errors.Is(ferr, ErrNotFound) {
		opLogger.Warn("fallback record unreadable", zap.Error(ferr), zap.String("path", s.files.Path(animalID)))
		fileRec = nil
	}

	switch {
	case perr == nil && fileRec != nil && len(fileRec.Views) > len(primaryRec.Views):
		opLogger.Warn("primary store behind fallback file",
			zap.Int("primary_views", len(primaryRec.Views)),
			zap.Int("fallback_views", len(fileRec.Views)))
		s.metrics.ObserveFallbackRead()
		return Snapshot{Record: fileRec, Source: SourceFallback, Resync: true}, nil
	case perr == nil:
		return Snapshot{Record: primaryRec, Source: SourcePrimary}, nil
	case fileRec != nil:
		s.metrics.ObserveFallbackRead()
		return Snapshot{Record: fileRec, Source: SourceFallback, Resync: true}, nil
	default:
		return Snapshot{}, logging.NewOperationError("repository.load", animalID, ErrNotFound)
	}
}

// Save persists rec after appended was added to it. The primary write is best
// effort; the fallback file always receives the full record. An error is
// returned only when neither target accepted the record.
func (s *ResilientStore) Save(ctx context.Context, rec *animal.Record, appended animal.View, resync bool) error {
	var perr error
	if resync {
		perr = s.primary.Upsert(ctx, rec, nil)
	} else {
		perr = s.primary.Upsert(ctx, rec, &appended)
	}
	return s.finishWrite(rec, "upsert", perr)
}

// Finalize applies update to the stored record and persists the result via
// the same dual-write path as Save. The views are not touched.
func (s *ResilientStore) Finalize(ctx context.Context, animalID string, update func(*animal.Record)) (*animal.Record, error) {
	snap, err := s.Load(ctx, animalID)
	if err != nil {
		return nil, err
	}

	rec := snap.Record.Clone()
	update(rec)
	rec.AnimalID = animalID

	var perr error
	if !snap.Resync {
		perr = s.primary.UpdateDetails(ctx, rec)
	} else {
		perr = s.primary.Upsert(ctx, rec, nil)
	}
	if err := s.finishWrite(rec, "finalize", perr); err != nil {
		return nil, err
	}
	return rec, nil
}

// Ping reports primary store reachability.
func (s *ResilientStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

func (s *ResilientStore) finishWrite(rec *animal.Record, operation string, perr error) error {
	opLogger := logging.WithOperation(s.logger, "repository."+operation, rec.AnimalID)
	if perr != nil {
		s.metrics.ObservePrimaryFailure(operation)
		opLogger.Warn("primary store write failed, relying on fallback file", zap.Error(perr))
	}

	ferr := s.files.Write(rec)
	s.metrics.ObserveFallbackWrite(ferr)
	if ferr == nil {
		return nil
	}
	if perr == nil {
		opLogger.Error("fallback record write failed", zap.Error(ferr))
		return nil
	}
	return logging.NewOperationError("repository."+operation, rec.AnimalID,
		fmt.Errorf("record not persisted: primary: %v; fallback: %w", perr, ferr))
}
