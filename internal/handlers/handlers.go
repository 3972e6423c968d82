package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/atc-api/internal/animal"
	"github.com/example/atc-api/internal/auth"
	"github.com/example/atc-api/internal/imageprocessor"
	"github.com/example/atc-api/internal/measurement"
	"github.com/example/atc-api/internal/repository"
	"github.com/example/atc-api/internal/usecase"
)

// MaxUploadSize is the default request body limit for uploads.
const MaxUploadSize = 20 << 20

// Options tunes route registration.
type Options struct {
	// MaxBodyBytes limits write request bodies; zero means MaxUploadSize.
	MaxBodyBytes int64
	// Auth guards the write routes when set.
	Auth gin.HandlerFunc
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

type uploadRequest struct {
	AnimalID    string  `json:"animalID" binding:"required"`
	Breed       string  `json:"breed"`
	Weight      float64 `json:"weight"`
	ImageBase64 string  `json:"imageBase64" binding:"required"`
	ViewType    string  `json:"viewType" binding:"required"`
}

type uploadResponse struct {
	ID                  string                     `json:"id"`
	Status              string                     `json:"status"`
	ViewType            animal.ViewType            `json:"viewType"`
	Filename            string                     `json:"filename"`
	Confidence          float64                    `json:"confidence"`
	CalibrationDetected bool                       `json:"calibration_detected"`
	ScaleFactor         *float64                   `json:"cm_per_px"`
	Keypoints           []measurement.Keypoint     `json:"keypoints"`
	Measurements        measurement.Measurements   `json:"measurements"`
	TraitScores         measurement.TraitScores    `json:"trait_scores"`
	Score               *float64                   `json:"score"`
	Verdict             string                     `json:"verdict"`
	FinalScore          float64                    `json:"final_score"`
	FinalVerdict        string                     `json:"final_verdict"`
	Marker              *imageprocessor.MarkerSize `json:"marker_size_px"`
	DebugImagePath      *string                    `json:"debug_image_path"`
	ErrorMessage        string                     `json:"error_message,omitempty"`
}

type finalizeRequest struct {
	AnimalID string  `json:"animalID" binding:"required"`
	Breed    string  `json:"breed"`
	Weight   float64 `json:"weight"`
	FarmerID *string `json:"farmerID"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.AnimalUseCase, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = MaxUploadSize
	}

	writes := router.Group("/", limitBody(maxBody))
	if opts.Auth != nil {
		writes.Use(opts.Auth)
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Animal ATC API is running"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.Health(c.Request.Context()))
	})

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	writes.POST("/upload", func(c *gin.Context) {
		var req uploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}

		res, err := uc.Upload(c.Request.Context(), usecase.UploadInput{
			AnimalID:    req.AnimalID,
			Breed:       req.Breed,
			Weight:      req.Weight,
			ImageBase64: req.ImageBase64,
			ViewType:    req.ViewType,
		})
		if err != nil {
			respondError(c, logger, "Error processing upload", err)
			return
		}

		c.JSON(http.StatusOK, newUploadResponse(res))
	})

	writes.POST("/animal/finalize", func(c *gin.Context) {
		var req finalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}

		subject, _ := auth.Subject(c.Request.Context())
		rec, err := uc.Finalize(c.Request.Context(), usecase.FinalizeInput{
			AnimalID: req.AnimalID,
			Breed:    req.Breed,
			Weight:   req.Weight,
			FarmerID: req.FarmerID,
		}, subject)
		if err != nil {
			respondError(c, logger, "Error finalizing record", err)
			return
		}

		c.JSON(http.StatusOK, rec)
	})

	router.GET("/animal/:id", func(c *gin.Context) {
		rec, err := uc.GetAnimal(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, logger, "Error retrieving animal", err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})
}

func newUploadResponse(res *usecase.UploadResult) uploadResponse {
	v := res.View
	return uploadResponse{
		ID:                  res.Record.AnimalID,
		Status:              "saved",
		ViewType:            v.Type,
		Filename:            v.Filename,
		Confidence:          v.Confidence,
		CalibrationDetected: v.CalibrationDetected,
		ScaleFactor:         v.ScaleFactor,
		Keypoints:           v.Keypoints,
		Measurements:        v.Measurements,
		TraitScores:         v.TraitScores,
		Score:               v.Score,
		Verdict:             v.Verdict,
		FinalScore:          res.Record.Score,
		FinalVerdict:        res.Record.Verdict,
		Marker:              v.Marker,
		DebugImagePath:      v.DebugImagePath,
		ErrorMessage:        res.ErrorMessage,
	}
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func badBody(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
}

func respondError(c *gin.Context, logger *zap.Logger, prefix string, err error) {
	switch {
	case errors.Is(err, usecase.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Animal not found"})
	default:
		logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": prefix + ": " + err.Error()})
	}
}
