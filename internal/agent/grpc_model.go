package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/deepsearch/internal/domain"
	"github.com/ashureev/deepsearch/internal/tools"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the server-streaming RPC used for inference. Requests
// and chunks are google.protobuf.Struct messages.
const GenerateMethod = "/deepsearch.inference.v1.InferenceService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errModelReported            = errors.New("model reported an error")
)

var generateStreamDesc = &grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

// GrpcModelConfig holds configuration for the inference client.
type GrpcModelConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcModelConfig returns default configuration.
func DefaultGrpcModelConfig() GrpcModelConfig {
	return GrpcModelConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcModel is a Model served by a remote inference service.
type GrpcModel struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

var _ Model = (*GrpcModel)(nil)

// NewGrpcModel connects to the inference service and waits until the
// connection is ready. Extra dial options are appended to the defaults.
func NewGrpcModel(cfg GrpcModelConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultGrpcModelConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = defaults.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaults.KeepaliveTimeout
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client for %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("inference service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to inference service", "address", cfg.Address)
	return &GrpcModel{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (m *GrpcModel) Close() {
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Stream implements Model.
func (m *GrpcModel) Stream(ctx context.Context, req ModelRequest) iter.Seq2[ModelChunk, error] {
	return func(yield func(ModelChunk, error) bool) {
		msg, err := encodeRequest(req)
		if err != nil {
			yield(ModelChunk{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cs, err := m.conn.NewStream(ctx, generateStreamDesc, GenerateMethod)
		if err != nil {
			yield(ModelChunk{}, fmt.Errorf("generate request failed: %w", err))
			return
		}
		if err := cs.SendMsg(msg); err != nil {
			yield(ModelChunk{}, fmt.Errorf("generate send failed: %w", err))
			return
		}
		if err := cs.CloseSend(); err != nil {
			yield(ModelChunk{}, fmt.Errorf("generate close send failed: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := cs.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(ModelChunk{}, fmt.Errorf("generate stream error: %w", err))
				return
			}

			chunk, done, err := decodeChunk(resp)
			if err != nil {
				yield(ModelChunk{}, err)
				return
			}
			if done {
				return
			}
			if chunk.TextDelta == "" && chunk.ToolCall == nil {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

type wireRequest struct {
	System   string             `json:"system,omitempty"`
	Messages []domain.Message   `json:"messages"`
	Tools    []tools.Definition `json:"tools,omitempty"`
}

type wireChunk struct {
	Type       string         `json:"type"`
	TextDelta  string         `json:"textDelta,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Message    string         `json:"message,omitempty"`
}

func encodeRequest(req ModelRequest) (*structpb.Struct, error) {
	raw, err := json.Marshal(wireRequest{System: req.System, Messages: req.Messages, Tools: req.Tools})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("convert generate request: %w", err)
	}
	return msg, nil
}

func decodeChunk(msg *structpb.Struct) (ModelChunk, bool, error) {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return ModelChunk{}, false, fmt.Errorf("convert generate chunk: %w", err)
	}
	var wc wireChunk
	if err := json.Unmarshal(raw, &wc); err != nil {
		return ModelChunk{}, false, fmt.Errorf("decode generate chunk: %w", err)
	}

	switch wc.Type {
	case "text-delta":
		return ModelChunk{TextDelta: wc.TextDelta}, false, nil
	case "tool-call":
		if wc.ToolName == "" {
			return ModelChunk{}, false, errors.New("tool-call chunk without tool name")
		}
		return ModelChunk{ToolCall: &ToolCallRequest{ID: wc.ToolCallID, Name: wc.ToolName, Args: wc.Args}}, false, nil
	case "finish":
		return ModelChunk{}, true, nil
	case "error":
		return ModelChunk{}, false, fmt.Errorf("%w: %s", errModelReported, wc.Message)
	default:
		return ModelChunk{}, false, nil
	}
}
