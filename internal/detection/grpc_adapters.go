package detection

import (
	"context"
	"fmt"

	"proctor/internal/pipeline"
)

// Compile-time interface checks
var (
	_ pipeline.PresenceDetector = (*GRPCPresence)(nil)
	_ pipeline.IdentityMatcher  = (*GRPCIdentity)(nil)
	_ pipeline.GazeDetector     = (*GRPCGaze)(nil)
	_ pipeline.ObjectClassifier = (*GRPCObject)(nil)
)

// grpcStage carries the lifecycle every gRPC-backed stage shares
type grpcStage struct {
	client  *GRPCClient
	name    string
	service string
}

func newGRPCStage(client *GRPCClient, name, service string) grpcStage {
	client.acquire()
	return grpcStage{client: client, name: name, service: service}
}

func (s *grpcStage) Name() string {
	return s.name
}

// LoadModel checks that the detector service reports this model as serving
func (s *grpcStage) LoadModel(ctx context.Context) error {
	return s.client.CheckServing(ctx, s.service)
}

func (s *grpcStage) Cleanup() error {
	return s.client.release()
}

// GRPCPresence finds faces through the detector service
type GRPCPresence struct {
	grpcStage
	minConfidence float64
}

// NewGRPCPresence creates a presence stage. Faces below minConfidence are dropped.
func NewGRPCPresence(client *GRPCClient, minConfidence float64) *GRPCPresence {
	return &GRPCPresence{
		grpcStage:     newGRPCStage(client, "grpc-presence", HealthPresence),
		minConfidence: minConfidence,
	}
}

func (p *GRPCPresence) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.FaceRegion, error) {
	req, err := p.client.EncodeFrame(frame)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Call(ctx, MethodDetectFaces, req)
	if err != nil {
		return nil, err
	}

	var faces []pipeline.FaceRegion
	for i, item := range getList(resp, "faces") {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("face %d is %T, want object", i, item)
		}
		box, err := decodeBBox(m["bbox"])
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		conf := getFloat(m, "confidence")
		if conf < p.minConfidence {
			continue
		}
		faces = append(faces, pipeline.FaceRegion{
			BBox:       box,
			Confidence: conf,
			Landmarks:  decodePoints(getList(m, "landmarks")),
		})
	}
	return faces, nil
}

// GRPCIdentity compares the candidate's face with the registered reference
type GRPCIdentity struct {
	grpcStage
	threshold float64
}

// NewGRPCIdentity creates an identity stage. threshold is the maximum
// embedding distance counted as a match when the service does not decide.
func NewGRPCIdentity(client *GRPCClient, threshold float64) *GRPCIdentity {
	return &GRPCIdentity{
		grpcStage: newGRPCStage(client, "grpc-identity", HealthIdentity),
		threshold: threshold,
	}
}

func (g *GRPCIdentity) MatchWithDetails(ctx context.Context, frame *pipeline.FrameData, face pipeline.FaceRegion) (pipeline.MatchResult, error) {
	req, err := g.client.EncodeFrame(frame)
	if err != nil {
		return pipeline.MatchResult{}, err
	}
	req["bbox"] = encodeBBox(face.BBox)

	resp, err := g.client.Call(ctx, MethodMatchFace, req)
	if err != nil {
		return pipeline.MatchResult{}, err
	}

	result := pipeline.MatchResult{
		Distance:   getFloat(resp, "distance"),
		Confidence: getFloat(resp, "confidence"),
		Threshold:  g.threshold,
	}
	if t := getFloat(resp, "threshold"); t > 0 {
		result.Threshold = t
	}
	if matched, ok := getBool(resp, "matched"); ok {
		result.Matched = matched
	} else {
		result.Matched = result.Distance <= result.Threshold
	}
	return result, nil
}

// GRPCGaze locates eyes and grades gaze risk through the detector service
type GRPCGaze struct {
	grpcStage
}

func NewGRPCGaze(client *GRPCClient) *GRPCGaze {
	return &GRPCGaze{grpcStage: newGRPCStage(client, "grpc-gaze", HealthGaze)}
}

func (g *GRPCGaze) Detect(ctx context.Context, frame *pipeline.FrameData, faces []pipeline.FaceRegion) ([]pipeline.EyeDetection, error) {
	req, err := g.client.EncodeFrame(frame)
	if err != nil {
		return nil, err
	}
	boxes := make([]any, 0, len(faces))
	for _, f := range faces {
		boxes = append(boxes, encodeBBox(f.BBox))
	}
	req["faces"] = boxes

	resp, err := g.client.Call(ctx, MethodDetectEyes, req)
	if err != nil {
		return nil, err
	}

	var eyes []pipeline.EyeDetection
	for i, item := range getList(resp, "eyes") {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("eye %d is %T, want object", i, item)
		}
		box, err := decodeBBox(m["bbox"])
		if err != nil {
			return nil, fmt.Errorf("eye %d: %w", i, err)
		}
		eyes = append(eyes, pipeline.EyeDetection{
			Side:       getString(m, "side"),
			BBox:       box,
			Landmarks:  decodePoints(getList(m, "landmarks")),
			Attributes: getMap(m, "attributes"),
		})
	}
	return eyes, nil
}

func (g *GRPCGaze) CalculateRisk(ctx context.Context, eye pipeline.EyeDetection) (pipeline.RiskAssessment, error) {
	req := map[string]any{
		"side":      eye.Side,
		"bbox":      encodeBBox(eye.BBox),
		"landmarks": encodePoints(eye.Landmarks),
	}
	if eye.Attributes != nil {
		req["attributes"] = eye.Attributes
	}

	resp, err := g.client.Call(ctx, MethodCalculateRisk, req)
	if err != nil {
		return pipeline.RiskAssessment{}, err
	}

	status := pipeline.RiskStatus(getString(resp, "status"))
	switch status {
	case pipeline.RiskSafe, pipeline.RiskRisk, pipeline.RiskThinking, pipeline.RiskClosed:
	default:
		return pipeline.RiskAssessment{}, fmt.Errorf("unknown risk status %q", status)
	}
	return pipeline.RiskAssessment{
		Status:          status,
		Score:           getFloat(resp, "score"),
		HorizontalRatio: getFloat(resp, "horizontal_ratio"),
		VerticalRatio:   getFloat(resp, "vertical_ratio"),
	}, nil
}

// GRPCObject classifies contraband through the detector service
type GRPCObject struct {
	grpcStage
	minConfidence float64
}

func NewGRPCObject(client *GRPCClient, minConfidence float64) *GRPCObject {
	return &GRPCObject{
		grpcStage:     newGRPCStage(client, "grpc-object", HealthObject),
		minConfidence: minConfidence,
	}
}

func (o *GRPCObject) Classify(ctx context.Context, frame *pipeline.FrameData) (pipeline.ObjectResult, error) {
	req, err := o.client.EncodeFrame(frame)
	if err != nil {
		return pipeline.ObjectResult{}, err
	}
	resp, err := o.client.Call(ctx, MethodClassifyObjects, req)
	if err != nil {
		return pipeline.ObjectResult{}, err
	}

	detected, _ := getBool(resp, "detected")
	result := pipeline.ObjectResult{
		Detected:   detected,
		Confidence: getFloat(resp, "confidence"),
		ClassName:  getString(resp, "class_name"),
	}
	if result.Confidence < o.minConfidence {
		result.Detected = false
	}
	return result, nil
}
