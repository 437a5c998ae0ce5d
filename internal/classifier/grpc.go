package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Model service method names. Requests and responses are google.protobuf.Struct.
const (
	modelService         = "chatdesk.model.v1.ModelService"
	methodClassify       = "/" + modelService + "/Classify"
	methodSentiment      = "/" + modelService + "/Sentiment"
	methodSentimentBatch = "/" + modelService + "/SentimentBatch"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed model response")
)

// GRPCClient talks to the remote model service.
type GRPCClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

var (
	_ IntentClassifier    = (*GRPCClient)(nil)
	_ BatchSentimentModel = (*GRPCClient)(nil)
)

// GRPCConfig holds configuration for the model service client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGRPCClient connects to the model service and waits until it is ready.
func NewGRPCClient(cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model service at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad endpoint instead of on the first message.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("model service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model service", "address", cfg.Address)
	return &GRPCClient{conn: conn, addr: cfg.Address, logger: logger}, nil
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
func (c *GRPCClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrClassifierUnavailable, method, err)
	}
	return out, nil
}

// Classify asks the model service for the intent of text.
func (c *GRPCClient) Classify(ctx context.Context, text string) (Prediction, error) {
	out, err := c.invoke(ctx, methodClassify, map[string]any{"text": text})
	if err != nil {
		return Prediction{}, err
	}

	fields := out.GetFields()
	label := fields["label"].GetStringValue()
	if label == "" {
		return Prediction{}, fmt.Errorf("%w: %w: missing label", domain.ErrClassifierUnavailable, errMalformedResponse)
	}
	return Prediction{Label: label, Score: fields["score"].GetNumberValue()}, nil
}

// Score asks the model service for the sentiment distribution of text.
func (c *GRPCClient) Score(ctx context.Context, text string) (map[string]float64, error) {
	out, err := c.invoke(ctx, methodSentiment, map[string]any{"text": text})
	if err != nil {
		return nil, err
	}
	return decodeScores(out.GetFields()["scores"].GetStructValue())
}

// ScoreBatch asks the model service for one distribution per text.
func (c *GRPCClient) ScoreBatch(ctx context.Context, texts []string) ([]map[string]float64, error) {
	items := make([]any, len(texts))
	for i, t := range texts {
		items[i] = t
	}
	out, err := c.invoke(ctx, methodSentimentBatch, map[string]any{"texts": items})
	if err != nil {
		return nil, err
	}

	results := out.GetFields()["results"].GetListValue().GetValues()
	if len(results) != len(texts) {
		return nil, fmt.Errorf("%w: %w: got %d results for %d texts",
			domain.ErrClassifierUnavailable, errMalformedResponse, len(results), len(texts))
	}

	scores := make([]map[string]float64, len(results))
	for i, v := range results {
		s, err := decodeScores(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		scores[i] = s
	}
	return scores, nil
}

func decodeScores(s *structpb.Struct) (map[string]float64, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: %w: missing scores", domain.ErrClassifierUnavailable, errMalformedResponse)
	}
	scores := make(map[string]float64, len(s.GetFields()))
	for label, v := range s.GetFields() {
		scores[label] = v.GetNumberValue()
	}
	return scores, nil
}
