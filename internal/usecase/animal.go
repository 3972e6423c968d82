package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/atc-api/internal/animal"
	"github.com/example/atc-api/internal/imageprocessor"
	"github.com/example/atc-api/internal/logging"
	"github.com/example/atc-api/internal/measurement"
	"github.com/example/atc-api/internal/metrics"
	"github.com/example/atc-api/internal/repository"
)

// ErrInvalidInput marks caller mistakes; nothing is persisted when it is returned.
var ErrInvalidInput = errors.New("invalid input")

// CalibrationMissingMessage is reported when a side view has no usable marker.
const CalibrationMissingMessage = "calibration marker not detected; measurements unavailable"

// RecordStore defines the persistence operations needed by the use case.
type RecordStore interface {
	Load(ctx context.Context, animalID string) (repository.Snapshot, error)
	Save(ctx context.Context, rec *animal.Record, appended animal.View, resync bool) error
	Finalize(ctx context.Context, animalID string, update func(*animal.Record)) (*animal.Record, error)
	Ping(ctx context.Context) error
}

// ImageStore keeps uploaded images on disk.
type ImageStore interface {
	Save(animalID, viewType string, img image.Image) (string, error)
	Remove(animalID, filename string) error
	Root() string
}

// UploadInput is one image upload for an animal.
type UploadInput struct {
	AnimalID    string
	Breed       string
	Weight      float64
	ImageBase64 string
	ViewType    string
}

// UploadResult is the processed view plus the record it was merged into.
type UploadResult struct {
	View         animal.View
	Record       *animal.Record
	ErrorMessage string
}

// FinalizeInput carries the descriptive fields set at finalization.
type FinalizeInput struct {
	AnimalID string
	Breed    string
	Weight   float64
	FarmerID *string
}

// HealthStatus reports dependency reachability.
type HealthStatus struct {
	Status     string `json:"status"`
	UploadsDir string `json:"uploads_dir"`
	Database   string `json:"database"`
	Cache      string `json:"cache"`
}

// AnimalUseCase encapsulates the upload, finalize and lookup flows.
type AnimalUseCase struct {
	store      RecordStore
	images     ImageStore
	calibrator imageprocessor.Calibrator
	pose       imageprocessor.PoseEstimator
	cache      Cache
	metrics    *metrics.Manager
	logger     *zap.Logger
	locks      *keyedLock
	now        func() time.Time

	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customizes an AnimalUseCase.
type Option func(*AnimalUseCase)

// WithCacheTTL sets how long cached records live.
func WithCacheTTL(ttl time.Duration) Option {
	return func(uc *AnimalUseCase) {
		if ttl > 0 {
			uc.cacheTTL = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(uc *AnimalUseCase) { uc.now = now }
}

// NewAnimalUseCase constructs a new use case instance. cache may be nil.
func NewAnimalUseCase(store RecordStore, images ImageStore, calibrator imageprocessor.Calibrator, pose imageprocessor.PoseEstimator, cache Cache, m *metrics.Manager, logger *zap.Logger, opts ...Option) *AnimalUseCase {
	uc := &AnimalUseCase{
		store:          store,
		images:         images,
		calibrator:     calibrator,
		pose:           pose,
		cache:          cache,
		metrics:        m,
		logger:         logger.Named("animal_usecase"),
		locks:          newKeyedLock(),
		now:            time.Now,
		cacheTTL:       5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Upload stores the image, runs calibration and pose estimation, scores the
// view and merges it into the animal's record.
func (uc *AnimalUseCase) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.upload", in.AnimalID)

	vt, raw, img, err := validateUpload(in)
	if err != nil {
		uc.metrics.ObserveUpload(viewLabel(in.ViewType), "rejected")
		return nil, logging.NewOperationError("usecase.upload", in.AnimalID, err)
	}

	unlock := uc.locks.Lock(in.AnimalID)
	defer unlock()

	filename, err := uc.images.Save(in.AnimalID, string(vt), img)
	if err != nil {
		uc.metrics.ObserveUpload(string(vt), "error")
		wrapped := logging.NewOperationError("usecase.store_image", in.AnimalID, err)
		opLogger.Error("failed to store image", zap.Error(wrapped))
		return nil, wrapped
	}

	result, err := uc.process(ctx, in, vt, filename, raw)
	if err != nil {
		uc.metrics.ObserveUpload(string(vt), "error")
		if rmErr := uc.images.Remove(in.AnimalID, filename); rmErr != nil {
			opLogger.Warn("failed to remove image of failed upload", zap.Error(rmErr), zap.String("filename", filename))
		}
		return nil, err
	}

	uc.metrics.ObserveUpload(string(vt), "saved")
	if vt.Governs() {
		uc.metrics.ObserveFinalScore(result.Record.Score)
	}
	uc.cacheRecord(ctx, result.Record)

	opLogger.Info("view saved",
		zap.String("view_type", string(vt)),
		zap.String("filename", filename),
		zap.Bool("calibration_detected", result.View.CalibrationDetected),
		zap.Float64("final_score", result.Record.Score),
		zap.String("final_verdict", result.Record.Verdict),
	)
	return result, nil
}

func (uc *AnimalUseCase) process(ctx context.Context, in UploadInput, vt animal.ViewType, filename string, raw []byte) (*UploadResult, error) {
	calib, keypoints := uc.analyze(ctx, in.AnimalID, vt, raw)
	view := animal.NewView(vt, filename, uc.now(), calib, keypoints)

	var prev *animal.Record
	resync := false
	snap, err := uc.store.Load(ctx, in.AnimalID)
	switch {
	case err == nil:
		prev, resync = snap.Record, snap.Resync
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, logging.NewOperationError("usecase.load_record", in.AnimalID, err)
	}

	rec := animal.Reconcile(prev, in.AnimalID, animal.Details{Breed: strings.TrimSpace(in.Breed), Weight: in.Weight}, view, uc.now())
	if err := uc.store.Save(ctx, rec, view, resync); err != nil {
		return nil, logging.NewOperationError("usecase.save_record", in.AnimalID, err)
	}

	result := &UploadResult{View: view, Record: rec}
	if vt.Governs() && !view.CalibrationDetected {
		result.ErrorMessage = CalibrationMissingMessage
	}
	return result, nil
}

// analyze calls the collaborators concurrently. Their failures degrade to
// "not detected" and "no keypoints".
func (uc *AnimalUseCase) analyze(ctx context.Context, animalID string, vt animal.ViewType, raw []byte) (*imageprocessor.Calibration, []measurement.Keypoint) {
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", animalID)
	calib := imageprocessor.NotDetected()
	var keypoints []measurement.Keypoint

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := uc.calibrator.Calibrate(gctx, animalID, raw)
		if err != nil {
			uc.metrics.ObserveCollaboratorError("calibration")
			opLogger.Warn("calibration failed, treating marker as not detected", zap.Error(err))
			return nil
		}
		if c != nil {
			calib = c
		}
		return nil
	})
	if vt.Governs() {
		g.Go(func() error {
			kps, err := uc.pose.EstimatePose(gctx, animalID, raw)
			if err != nil {
				uc.metrics.ObserveCollaboratorError("pose")
				opLogger.Warn("pose estimation failed, continuing without keypoints", zap.Error(err))
				return nil
			}
			keypoints = kps
			return nil
		})
	}
	_ = g.Wait()
	return calib, keypoints
}

// Finalize overwrites the descriptive fields of an existing record.
// subject, when non-empty, is the default farmer id.
func (uc *AnimalUseCase) Finalize(ctx context.Context, in FinalizeInput, subject string) (*animal.Record, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.finalize", in.AnimalID)

	if err := validateDetails(in.AnimalID, in.Weight); err != nil {
		return nil, logging.NewOperationError("usecase.finalize", in.AnimalID, err)
	}

	details := animal.Details{Breed: strings.TrimSpace(in.Breed), Weight: in.Weight, FarmerID: in.FarmerID}
	if (details.FarmerID == nil || strings.TrimSpace(*details.FarmerID) == "") && subject != "" {
		details.FarmerID = &subject
	}

	unlock := uc.locks.Lock(in.AnimalID)
	defer unlock()

	rec, err := uc.store.Finalize(ctx, in.AnimalID, func(r *animal.Record) {
		animal.ApplyDetails(r, details, uc.now())
	})
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			opLogger.Error("failed to finalize record", zap.Error(err))
		}
		return nil, err
	}

	uc.cacheRecord(ctx, rec)
	opLogger.Info("record finalized", zap.Float64("final_score", rec.Score), zap.String("final_verdict", rec.Verdict))
	return rec, nil
}

// GetAnimal returns the record for animalID, reading through the cache.
func (uc *AnimalUseCase) GetAnimal(ctx context.Context, animalID string) (*animal.Record, error) {
	if err := animal.ValidateID(animalID); err != nil {
		return nil, logging.NewOperationError("usecase.get_animal", animalID, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}

	if rec := uc.cachedRecord(ctx, animalID); rec != nil {
		return rec, nil
	}

	snap, err := uc.store.Load(ctx, animalID)
	if err != nil {
		return nil, err
	}
	uc.cacheRecord(ctx, snap.Record)
	return snap.Record, nil
}

// Health pings the primary store and the cache without changing any state.
func (uc *AnimalUseCase) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "healthy", UploadsDir: uc.images.Root(), Database: "connected", Cache: "disabled"}

	if err := uc.store.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Database = "error: " + err.Error()
	}
	if uc.cache != nil {
		if err := uc.cache.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Cache = "error: " + err.Error()
		} else {
			status.Cache = "connected"
		}
	}
	return status
}

func validateUpload(in UploadInput) (animal.ViewType, []byte, image.Image, error) {
	if err := validateDetails(in.AnimalID, in.Weight); err != nil {
		return "", nil, nil, err
	}
	vt, err := animal.ParseViewType(in.ViewType)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	raw, err := decodeBase64(in.ImageBase64)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: image is not valid base64: %v", ErrInvalidInput, err)
	}
	img, err := imageprocessor.Decode(raw)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return vt, raw, img, nil
}

func viewLabel(s string) string {
	if vt, err := animal.ParseViewType(s); err == nil {
		return string(vt)
	}
	return "unknown"
}

func validateDetails(animalID string, weight float64) error {
	if err := animal.ValidateID(animalID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !(weight > 0) || math.IsInf(weight, 1) {
		return fmt.Errorf("%w: weight must be a positive finite number, got %v", ErrInvalidInput, weight)
	}
	return nil
}

// decodeBase64 accepts plain base64 or a data URL.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if _, payload, ok := strings.Cut(s, ","); ok {
			s = payload
		}
	}
	if s == "" {
		return nil, errors.New("empty image")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(s)
	}
	return data, nil
}
