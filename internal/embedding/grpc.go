package embedding

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-verify/internal/faceauth"
	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/logging"
)

// Wire contract of the model service. Messages are google.protobuf.Struct.
//
//	Embed: {image: <base64 png>, format: "png", source: <label>} -> {embedding: [number...]}
//	Info:  {}                                     -> {model_type, device, total_parameters, embedding_size, class_names}
const (
	ServiceName  = "faceauth.v1.EmbeddingService"
	EmbedMethod  = "/" + ServiceName + "/Embed"
	InfoMethod   = "/" + ServiceName + "/Info"
	imageField   = "image"
	sourceField  = "source"
	formatField  = "format"
	vectorField  = "embedding"
	defaultModel = "remote"
)

// GRPCProvider calls a remote embedding model and scores embeddings locally
// with the configured metric.
type GRPCProvider struct {
	conn   grpc.ClientConnInterface
	health healthpb.HealthClient
	metric Metric
	prep   *imageprocessor.Preprocessor
	logger *zap.Logger
}

// NewGRPCProvider wraps conn. Images are normalised with prep before being
// sent.
func NewGRPCProvider(conn grpc.ClientConnInterface, metric Metric, prep *imageprocessor.Preprocessor, logger *zap.Logger) *GRPCProvider {
	if prep == nil {
		prep = imageprocessor.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCProvider{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		metric: metric,
		prep:   prep,
		logger: logger.Named("grpc_provider"),
	}
}

// Embed normalises img and requests its embedding.
func (p *GRPCProvider) Embed(ctx context.Context, img faceauth.Image) (faceauth.Vector, error) {
	normalized, err := p.prep.Normalize(img.Data)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		imageField:  base64.StdEncoding.EncodeToString(normalized),
		formatField: "png",
		sourceField: img.Source,
	})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, EmbedMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("embedding.grpc_embed", img.Source, mapStatus(err))
		p.logger.Debug("embed call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	values := resp.GetFields()[vectorField].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("embedding: response has no %q field", vectorField)
	}
	vec := make(faceauth.Vector, len(values))
	for i, v := range values {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("embedding: element %d is not a number", i)
		}
		vec[i] = float32(n.NumberValue)
	}
	return vec, nil
}

// Similarity scores two embeddings with the configured metric.
func (p *GRPCProvider) Similarity(a, b faceauth.Vector) (float64, error) {
	return p.metric.Similarity(a, b)
}

// Ready reports whether the model service answers health checks as SERVING.
func (p *GRPCProvider) Ready(ctx context.Context) error {
	resp, err := p.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return mapStatus(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: health status %s", faceauth.ErrProviderUnavailable, resp.GetStatus())
	}
	return nil
}

// Info returns the model metadata, or ErrProviderUnavailable when the model
// is not serving.
func (p *GRPCProvider) Info(ctx context.Context) (ModelInfo, error) {
	if err := p.Ready(ctx); err != nil {
		return ModelInfo{Metric: p.metric}, err
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, InfoMethod, &structpb.Struct{}, resp); err != nil {
		return ModelInfo{Metric: p.metric}, mapStatus(err)
	}

	fields := resp.GetFields()
	info := ModelInfo{
		Loaded:          true,
		ModelType:       fields["model_type"].GetStringValue(),
		Device:          fields["device"].GetStringValue(),
		TotalParameters: int64(fields["total_parameters"].GetNumberValue()),
		EmbeddingSize:   int(fields["embedding_size"].GetNumberValue()),
		Metric:          p.metric,
	}
	if info.ModelType == "" {
		info.ModelType = defaultModel
	}
	for _, v := range fields["class_names"].GetListValue().GetValues() {
		info.ClassNames = append(info.ClassNames, v.GetStringValue())
	}
	return info, nil
}

// mapStatus converts transport-level unavailability into
// faceauth.ErrProviderUnavailable and leaves everything else untouched.
func mapStatus(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Unimplemented:
		return fmt.Errorf("%w: %v", faceauth.ErrProviderUnavailable, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %v", context.Canceled, err)
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %v", imageprocessor.ErrUndecodable, status.Convert(err).Message())
	}
	return err
}
