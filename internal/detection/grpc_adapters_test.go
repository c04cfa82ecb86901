package detection

import (
	"context"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"proctor/internal/pipeline"
)

type methodFunc func(req map[string]any) (map[string]any, error)

// startDetector serves the detector methods over an in-memory listener
func startDetector(t *testing.T, methods map[string]methodFunc, serving ...string) *GRPCClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()

	desc := grpc.ServiceDesc{
		ServiceName: strings.Trim(ServicePath, "/"),
		HandlerType: (*any)(nil),
	}
	for name, fn := range methods {
		fn := fn
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				out, err := fn(in.AsMap())
				if err != nil {
					return nil, err
				}
				return structpb.NewStruct(out)
			},
		})
	}
	srv.RegisterService(&desc, struct{}{})

	hs := health.NewServer()
	for _, name := range serving {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewGRPCClient(GRPCClientConfig{
		Endpoint: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	if err != nil {
		t.Fatalf("NewGRPCClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testFrame() *pipeline.FrameData {
	return &pipeline.FrameData{
		Seq:      7,
		Width:    8,
		Height:   6,
		Channels: 3,
		Pixels:   make([]byte, 8*6*3),
	}
}

func TestGRPCPresenceDetect(t *testing.T) {
	var got map[string]any
	client := startDetector(t, map[string]methodFunc{
		MethodDetectFaces: func(req map[string]any) (map[string]any, error) {
			got = req
			return map[string]any{
				"faces": []any{
					map[string]any{
						"bbox":       map[string]any{"x": 1.0, "y": 2.0, "w": 3.0, "h": 4.0},
						"confidence": 0.92,
						"landmarks":  []any{[]any{1.5, 2.5}},
					},
					map[string]any{
						"bbox":       map[string]any{"x": 0.0, "y": 0.0, "w": 1.0, "h": 1.0},
						"confidence": 0.2,
					},
				},
			}, nil
		},
	}, HealthPresence)

	p := NewGRPCPresence(client, 0.5)
	if err := p.LoadModel(context.Background()); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	faces, err := p.Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected 1 face above threshold, got %d", len(faces))
	}
	want := pipeline.BBox{X: 1, Y: 2, W: 3, H: 4}
	if faces[0].BBox != want {
		t.Errorf("bbox = %+v, want %+v", faces[0].BBox, want)
	}
	if len(faces[0].Landmarks) != 1 || faces[0].Landmarks[0].X != 1.5 {
		t.Errorf("landmarks = %+v", faces[0].Landmarks)
	}
	if got["image"] == "" || got["width"] != 8.0 || got["seq"] != 7.0 {
		t.Errorf("unexpected request payload: width=%v seq=%v", got["width"], got["seq"])
	}
}

func TestGRPCStageLoadModelNotServing(t *testing.T) {
	client := startDetector(t, nil, HealthPresence)

	gaze := NewGRPCGaze(client)
	if err := gaze.LoadModel(context.Background()); err == nil {
		t.Fatal("expected LoadModel to fail for a model the service does not report")
	}
}

func TestGRPCIdentityThresholdFallback(t *testing.T) {
	tests := []struct {
		name     string
		response map[string]any
		want     bool
	}{
		{"explicit match", map[string]any{"matched": true, "distance": 0.9}, true},
		{"explicit mismatch", map[string]any{"matched": false, "distance": 0.1}, false},
		{"distance under threshold", map[string]any{"distance": 0.3}, true},
		{"distance over threshold", map[string]any{"distance": 0.7}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tt.response
			client := startDetector(t, map[string]methodFunc{
				MethodMatchFace: func(req map[string]any) (map[string]any, error) {
					if _, ok := req["bbox"].(map[string]any); !ok {
						t.Errorf("request missing bbox")
					}
					return resp, nil
				},
			})
			id := NewGRPCIdentity(client, 0.5)
			res, err := id.MatchWithDetails(context.Background(), testFrame(), pipeline.FaceRegion{BBox: pipeline.BBox{W: 4, H: 4}})
			if err != nil {
				t.Fatalf("MatchWithDetails: %v", err)
			}
			if res.Matched != tt.want {
				t.Errorf("Matched = %v, want %v (distance %.2f)", res.Matched, tt.want, res.Distance)
			}
		})
	}
}

func TestGRPCGazeDetectAndRisk(t *testing.T) {
	client := startDetector(t, map[string]methodFunc{
		MethodDetectEyes: func(req map[string]any) (map[string]any, error) {
			if faces, _ := req["faces"].([]any); len(faces) != 1 {
				t.Errorf("expected 1 face in request, got %v", req["faces"])
			}
			return map[string]any{
				"eyes": []any{
					map[string]any{
						"side":       "left",
						"bbox":       map[string]any{"x": 2.0, "y": 2.0, "w": 2.0, "h": 1.0},
						"attributes": map[string]any{"pupil": []any{3.0, 2.5}},
					},
				},
			}, nil
		},
		MethodCalculateRisk: func(req map[string]any) (map[string]any, error) {
			if req["side"] != "left" {
				t.Errorf("side = %v", req["side"])
			}
			if _, ok := req["attributes"].(map[string]any); !ok {
				t.Errorf("attributes not forwarded")
			}
			return map[string]any{"status": "RISK", "score": 0.8, "horizontal_ratio": 0.1}, nil
		},
	})

	gaze := NewGRPCGaze(client)
	eyes, err := gaze.Detect(context.Background(), testFrame(), []pipeline.FaceRegion{{BBox: pipeline.BBox{W: 8, H: 6}}})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(eyes) != 1 || eyes[0].Side != "left" {
		t.Fatalf("unexpected eyes: %+v", eyes)
	}

	risk, err := gaze.CalculateRisk(context.Background(), eyes[0])
	if err != nil {
		t.Fatalf("CalculateRisk: %v", err)
	}
	if risk.Status != pipeline.RiskRisk || risk.Score != 0.8 {
		t.Errorf("risk = %+v", risk)
	}
}

func TestGRPCGazeUnknownStatus(t *testing.T) {
	client := startDetector(t, map[string]methodFunc{
		MethodCalculateRisk: func(map[string]any) (map[string]any, error) {
			return map[string]any{"status": "SIDEWAYS"}, nil
		},
	})
	if _, err := NewGRPCGaze(client).CalculateRisk(context.Background(), pipeline.EyeDetection{Side: "right"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestGRPCObjectConfidenceFloor(t *testing.T) {
	client := startDetector(t, map[string]methodFunc{
		MethodClassifyObjects: func(map[string]any) (map[string]any, error) {
			return map[string]any{"detected": true, "confidence": 0.4, "class_name": "cell phone"}, nil
		},
	})

	res, err := NewGRPCObject(client, 0.5).Classify(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Detected {
		t.Error("detection below the confidence floor should be discarded")
	}
	if res.ClassName != "cell phone" {
		t.Errorf("class = %q", res.ClassName)
	}
}

func TestGRPCCallErrorAndInvalidFrame(t *testing.T) {
	client := startDetector(t, nil)
	obj := NewGRPCObject(client, 0)

	if _, err := obj.Classify(context.Background(), testFrame()); err == nil {
		t.Error("expected error for unimplemented method")
	}
	if _, err := obj.Classify(context.Background(), &pipeline.FrameData{Width: 2, Height: 2, Channels: 3}); err == nil {
		t.Error("expected error for frame without pixels")
	}
}

func TestGRPCClientReleasedByLastStage(t *testing.T) {
	client := startDetector(t, nil)
	p := NewGRPCPresence(client, 0)
	o := NewGRPCObject(client, 0)

	if err := p.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	client.mu.Lock()
	closed := client.closed
	client.mu.Unlock()
	if closed {
		t.Fatal("connection closed while a stage still holds it")
	}

	if err := o.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	client.mu.Lock()
	closed = client.closed
	client.mu.Unlock()
	if !closed {
		t.Fatal("connection should close with the last stage")
	}
}
