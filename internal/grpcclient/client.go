package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/atc-api/internal/imageprocessor"
	"github.com/example/atc-api/internal/logging"
	"github.com/example/atc-api/internal/measurement"
)

// Full method names served by the vision service.
const (
	DetectMarkerMethod = "/atc.vision.v1.VisionService/DetectMarker"
	EstimatePoseMethod = "/atc.vision.v1.VisionService/EstimatePose"
)

// VisionOptions configures the vision collaborator client.
type VisionOptions struct {
	// Timeout bounds each collaborator call.
	Timeout time.Duration
	// MarkerLengthCM is the printed side length of the calibration marker.
	MarkerLengthCM float64
}

// VisionClient reaches the calibration and pose collaborators over gRPC,
// exchanging google.protobuf.Struct messages.
type VisionClient struct {
	conn   grpc.ClientConnInterface
	opts   VisionOptions
	logger *zap.Logger
}

var (
	_ imageprocessor.Calibrator    = (*VisionClient)(nil)
	_ imageprocessor.PoseEstimator = (*VisionClient)(nil)
)

// DialVision returns a client for the vision service. The connection is
// established lazily so an unavailable service does not block startup.
func DialVision(ctx context.Context, addr string, opts VisionOptions, logger *zap.Logger) (*VisionClient, *grpc.ClientConn, error) {
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_vision", "", err)
		logger.Error("failed to dial vision service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewVisionClient(conn, opts, logger), conn, nil
}

// NewVisionClient wraps an existing connection.
func NewVisionClient(conn grpc.ClientConnInterface, opts VisionOptions, logger *zap.Logger) *VisionClient {
	return &VisionClient{conn: conn, opts: opts, logger: logger.Named("vision_client")}
}

// Calibrate asks the collaborator for the marker and the resulting cm-per-pixel scale.
func (c *VisionClient) Calibrate(ctx context.Context, animalID string, image []byte) (*imageprocessor.Calibration, error) {
	resp, err := c.invoke(ctx, DetectMarkerMethod, "grpcclient.detect_marker", animalID, map[string]any{
		"animal_id":        animalID,
		"image":            base64.StdEncoding.EncodeToString(image),
		"marker_length_cm": c.opts.MarkerLengthCM,
	})
	if err != nil {
		return nil, err
	}
	return parseCalibration(resp), nil
}

// EstimatePose asks the collaborator for the ordered cattle skeleton.
func (c *VisionClient) EstimatePose(ctx context.Context, animalID string, image []byte) ([]measurement.Keypoint, error) {
	resp, err := c.invoke(ctx, EstimatePoseMethod, "grpcclient.estimate_pose", animalID, map[string]any{
		"animal_id": animalID,
		"image":     base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}
	return parseKeypoints(resp), nil
}

func (c *VisionClient) invoke(ctx context.Context, method, operation, animalID string, payload map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, logging.NewOperationError(operation, animalID, fmt.Errorf("build request: %w", err))
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		wrapped := logging.NewOperationError(operation, animalID, err)
		c.logger.Error("vision call failed", zap.Error(wrapped), zap.String("method", method))
		return nil, wrapped
	}
	return resp, nil
}

func parseCalibration(resp *structpb.Struct) *imageprocessor.Calibration {
	fields := resp.GetFields()
	scale := fields["scale_factor"].GetNumberValue()
	if !fields["found"].GetBoolValue() || !finite(scale) || scale <= 0 {
		return imageprocessor.NotDetected()
	}

	calib := &imageprocessor.Calibration{Found: true, ScaleFactor: &scale}
	if marker := fields["marker"].GetStructValue(); marker != nil {
		m := marker.GetFields()
		size := imageprocessor.MarkerSize{
			WidthPx:   m["width_px"].GetNumberValue(),
			HeightPx:  m["height_px"].GetNumberValue(),
			AvgSidePx: m["avg_side_px"].GetNumberValue(),
		}
		if finite(size.WidthPx) && finite(size.HeightPx) && finite(size.AvgSidePx) {
			calib.Marker = &size
		}
	}
	return calib
}

func parseKeypoints(resp *structpb.Struct) []measurement.Keypoint {
	values := resp.GetFields()["keypoints"].GetListValue().GetValues()
	keypoints := make([]measurement.Keypoint, 0, len(values))
	for _, v := range values {
		fields := v.GetStructValue().GetFields()
		kp := measurement.Keypoint{
			Name:       fields["name"].GetStringValue(),
			X:          fields["x"].GetNumberValue(),
			Y:          fields["y"].GetNumberValue(),
			Confidence: fields["confidence"].GetNumberValue(),
		}
		switch {
		case !finite(kp.X) || !finite(kp.Y) || math.IsNaN(kp.Confidence):
			// Kept as an undetected point so the skeleton indices stay aligned.
			kp.X, kp.Y, kp.Confidence = 0, 0, 0
		case kp.Confidence < 0:
			kp.Confidence = 0
		case kp.Confidence > 1:
			kp.Confidence = 1
		}
		keypoints = append(keypoints, kp)
	}
	return measurement.Label(keypoints)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
