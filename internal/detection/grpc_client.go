package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"proctor/internal/pipeline"
)

// ServicePath is the method prefix of the detector service. Requests and
// responses are google.protobuf.Struct messages.
const ServicePath = "/proctor.detector.v1.DetectorService/"

// Detector service methods
const (
	MethodDetectFaces     = "DetectFaces"
	MethodMatchFace       = "MatchFace"
	MethodDetectEyes      = "DetectEyes"
	MethodCalculateRisk   = "CalculateRisk"
	MethodClassifyObjects = "ClassifyObjects"
)

// Health service names reported by the detector service, one per model
const (
	HealthPresence = "proctor.detector.v1.Presence"
	HealthIdentity = "proctor.detector.v1.Identity"
	HealthGaze     = "proctor.detector.v1.Gaze"
	HealthObject   = "proctor.detector.v1.Object"
)

// GRPCClient is a shared connection to the detector service. Stage adapters
// hold a reference each; the connection closes when the last one is
// cleaned up.
type GRPCClient struct {
	endpoint    string
	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	timeout     time.Duration
	jpegQuality int

	mu     sync.Mutex
	refs   int
	closed bool
}

// GRPCClientConfig holds configuration for the detector service client
type GRPCClientConfig struct {
	Endpoint    string
	Timeout     time.Duration
	JPEGQuality int
	// DialOptions are appended to the defaults (used by tests for bufconn)
	DialOptions []grpc.DialOption
}

// NewGRPCClient creates the client. The connection is established lazily
// on the first call.
func NewGRPCClient(config GRPCClientConfig) (*GRPCClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("detector endpoint is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	quality := config.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector client: %w", err)
	}

	log.Printf("[GRPCClient] Using detector service at %s", config.Endpoint)
	return &GRPCClient{
		endpoint:    config.Endpoint,
		conn:        conn,
		health:      healthpb.NewHealthClient(conn),
		timeout:     timeout,
		jpegQuality: quality,
	}, nil
}

// Endpoint returns the configured target
func (c *GRPCClient) Endpoint() string {
	return c.endpoint
}

// CheckServing asks the health service whether the named model is ready
func (c *GRPCClient) CheckServing(ctx context.Context, service string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check %s failed: %w", service, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %s not serving: %s", service, resp.GetStatus())
	}
	return nil
}

// Call invokes a unary detector method
func (c *GRPCClient) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ServicePath+method, in, out); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out.AsMap(), nil
}

// EncodeFrame converts a frame into the JPEG payload the service expects
func (c *GRPCClient) EncodeFrame(frame *pipeline.FrameData) (map[string]any, error) {
	if !frame.Valid() {
		return nil, fmt.Errorf("invalid frame %dx%dx%d (%d bytes)",
			frame.Width, frame.Height, frame.Channels, len(frame.Pixels))
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.ToRGBA(), &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return map[string]any{
		"image":  base64.StdEncoding.EncodeToString(buf.Bytes()),
		"width":  frame.Width,
		"height": frame.Height,
		"seq":    float64(frame.Seq),
	}, nil
}

func (c *GRPCClient) acquire() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// release drops one adapter reference and closes the connection with the
// last one.
func (c *GRPCClient) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs > 0 {
		c.refs--
	}
	if c.refs > 0 || c.closed {
		return nil
	}
	c.closed = true
	log.Printf("[GRPCClient] Closing connection to %s", c.endpoint)
	return c.conn.Close()
}

// Close closes the connection regardless of outstanding references
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
