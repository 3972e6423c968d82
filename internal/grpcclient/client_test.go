package grpcclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/atc-api/internal/logging"
)

// fakeVision answers any method through the unknown-service handler.
type fakeVision struct {
	calibration map[string]any
	keypoints   []any
	fail        bool
	lastRequest *structpb.Struct
}

func (f *fakeVision) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	f.lastRequest = req
	if f.fail {
		return status.Error(codes.Unavailable, "model not loaded")
	}

	var payload map[string]any
	switch method {
	case DetectMarkerMethod:
		payload = f.calibration
	case EstimatePoseMethod:
		payload = map[string]any{"keypoints": f.keypoints}
	default:
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	resp, err := structpb.NewStruct(payload)
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func startFake(t *testing.T, fake *fakeVision) *VisionClient {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnknownServiceHandler(fake.handle))
	go server.Serve(listener) //nolint:errcheck
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return NewVisionClient(conn, VisionOptions{Timeout: 2 * time.Second, MarkerLengthCM: 10}, zap.NewNop())
}

func TestCalibrateParsesMarker(t *testing.T) {
	fake := &fakeVision{calibration: map[string]any{
		"found":        true,
		"scale_factor": 0.125,
		"marker":       map[string]any{"width_px": 80.0, "height_px": 79.0, "avg_side_px": 80.0},
	}}
	client := startFake(t, fake)

	calib, err := client.Calibrate(context.Background(), "cow-1", []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if !calib.Found || calib.ScaleFactor == nil || *calib.ScaleFactor != 0.125 {
		t.Fatalf("unexpected calibration %+v", calib)
	}
	if calib.Marker == nil || calib.Marker.HeightPx != 79 {
		t.Fatalf("unexpected marker %+v", calib.Marker)
	}

	fields := fake.lastRequest.GetFields()
	if fields["marker_length_cm"].GetNumberValue() != 10 {
		t.Fatalf("marker length not sent: %v", fields["marker_length_cm"])
	}
	if got := fields["image"].GetStringValue(); got != base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")) {
		t.Fatalf("unexpected image payload %q", got)
	}
}

func TestCalibrateNotFound(t *testing.T) {
	for name, payload := range map[string]map[string]any{
		"not found":      {"found": false},
		"no scale":       {"found": true},
		"negative scale": {"found": true, "scale_factor": -1.0},
		"infinite scale": {"found": true, "scale_factor": math.Inf(1)},
		"nan scale":      {"found": true, "scale_factor": math.NaN()},
	} {
		t.Run(name, func(t *testing.T) {
			client := startFake(t, &fakeVision{calibration: payload})
			calib, err := client.Calibrate(context.Background(), "cow-1", []byte("x"))
			if err != nil {
				t.Fatalf("calibrate: %v", err)
			}
			if calib.Found || calib.ScaleFactor != nil {
				t.Fatalf("expected not detected, got %+v", calib)
			}
		})
	}
}

func TestCalibrateDropsNonFiniteMarker(t *testing.T) {
	client := startFake(t, &fakeVision{calibration: map[string]any{
		"found":        true,
		"scale_factor": 0.2,
		"marker":       map[string]any{"width_px": math.Inf(1), "height_px": 50.0, "avg_side_px": 50.0},
	}})

	calib, err := client.Calibrate(context.Background(), "cow-1", []byte("x"))
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if !calib.Found || calib.Marker != nil {
		t.Fatalf("expected calibration without marker size, got %+v", calib)
	}
	if _, err := json.Marshal(calib); err != nil {
		t.Fatalf("calibration must stay encodable: %v", err)
	}
}

func TestEstimatePoseZeroesNonFiniteKeypoints(t *testing.T) {
	client := startFake(t, &fakeVision{keypoints: []any{
		map[string]any{"x": math.NaN(), "y": 2.0, "confidence": 0.9},
		map[string]any{"x": 3.0, "y": math.Inf(-1), "confidence": 0.8},
		map[string]any{"x": 5.0, "y": 6.0, "confidence": math.NaN()},
		map[string]any{"x": 7.0, "y": 8.0, "confidence": 0.7},
	}})

	kps, err := client.EstimatePose(context.Background(), "cow-1", []byte("x"))
	if err != nil {
		t.Fatalf("estimate pose: %v", err)
	}
	if len(kps) != 4 {
		t.Fatalf("expected positions to be kept, got %d keypoints", len(kps))
	}
	for i := 0; i < 3; i++ {
		if kps[i].Valid() || kps[i].X != 0 || kps[i].Y != 0 {
			t.Fatalf("keypoint %d should be undetected, got %+v", i, kps[i])
		}
	}
	if !kps[3].Valid() || kps[3].X != 7 {
		t.Fatalf("finite keypoint altered: %+v", kps[3])
	}
	if _, err := json.Marshal(kps); err != nil {
		t.Fatalf("keypoints must stay encodable: %v", err)
	}
}

func TestEstimatePoseParsesKeypoints(t *testing.T) {
	fake := &fakeVision{keypoints: []any{
		map[string]any{"x": 1.0, "y": 2.0, "confidence": 0.9},
		map[string]any{"name": "left_eye", "x": 3.0, "y": 4.0, "confidence": 1.7},
	}}
	client := startFake(t, fake)

	kps, err := client.EstimatePose(context.Background(), "cow-1", []byte("x"))
	if err != nil {
		t.Fatalf("estimate pose: %v", err)
	}
	if len(kps) != 2 {
		t.Fatalf("expected 2 keypoints, got %d", len(kps))
	}
	if kps[0].Name != "muzzle" || kps[0].X != 1 || kps[0].Confidence != 0.9 {
		t.Fatalf("unexpected first keypoint %+v", kps[0])
	}
	if kps[1].Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", kps[1].Confidence)
	}
}

func TestCollaboratorErrorIsReturned(t *testing.T) {
	client := startFake(t, &fakeVision{fail: true})
	_, err := client.EstimatePose(context.Background(), "cow-1", []byte("x"))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "grpcclient.estimate_pose" || opErr.AnimalID != "cow-1" {
		t.Fatalf("expected operation error, got %v", err)
	}
}
