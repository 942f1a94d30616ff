package embedding

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-verify/internal/faceauth"
	"github.com/example/face-verify/internal/imageprocessor"
)

// fakeModelServer embeds a picture as [len(image field), 1, 0].
type fakeModelServer struct {
	embedErr error
	sources  []string
}

func (s *fakeModelServer) embed(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	s.sources = append(s.sources, in.GetFields()[sourceField].GetStringValue())
	size := float64(len(in.GetFields()[imageField].GetStringValue()))
	return structpb.NewStruct(map[string]interface{}{
		vectorField: []interface{}{size, 1.0, 0.0},
	})
}

func (s *fakeModelServer) info(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"model_type":       "siamese",
		"device":           "cpu",
		"total_parameters": 38960449.0,
		"embedding_size":   4096.0,
		"class_names":      []interface{}{"same", "different"},
	})
}

func unaryHandler(call func(*fakeModelServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		return call(srv.(*fakeModelServer), ctx, in)
	}
}

func startModelServer(t *testing.T, model *fakeModelServer, servingStatus healthpb.HealthCheckResponse_ServingStatus) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Embed", Handler: unaryHandler((*fakeModelServer).embed)},
			{MethodName: "Info", Handler: unaryHandler((*fakeModelServer).info)},
		},
	}, model)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, servingStatus)
	healthpb.RegisterHealthServer(server, healthServer)

	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.NRGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestGRPCProviderEmbed(t *testing.T) {
	model := &fakeModelServer{}
	conn := startModelServer(t, model, healthpb.HealthCheckResponse_SERVING)
	p := NewGRPCProvider(conn, MetricCosine, imageprocessor.New(32), nil)

	vec, err := p.Embed(context.Background(), faceauth.Image{Data: testPNG(t, 64, 48), Source: "candidate_0"})
	require.NoError(t, err)
	require.Len(t, vec, 3)
	assert.Greater(t, vec[0], float32(0))
	assert.Equal(t, []string{"candidate_0"}, model.sources)

	score, err := p.Similarity(vec, vec)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-6)
}

func TestGRPCProviderRejectsUndecodableImageLocally(t *testing.T) {
	model := &fakeModelServer{}
	conn := startModelServer(t, model, healthpb.HealthCheckResponse_SERVING)
	p := NewGRPCProvider(conn, MetricCosine, nil, nil)

	_, err := p.Embed(context.Background(), faceauth.Image{Data: []byte("garbage")})
	assert.ErrorIs(t, err, imageprocessor.ErrUndecodable)
	assert.Empty(t, model.sources)
}

func TestGRPCProviderMapsUnavailable(t *testing.T) {
	model := &fakeModelServer{embedErr: status.Error(codes.Unavailable, "model not loaded")}
	conn := startModelServer(t, model, healthpb.HealthCheckResponse_SERVING)
	p := NewGRPCProvider(conn, MetricCosine, imageprocessor.New(16), nil)

	_, err := p.Embed(context.Background(), faceauth.Image{Data: testPNG(t, 8, 8)})
	assert.ErrorIs(t, err, faceauth.ErrProviderUnavailable)
}

func TestGRPCProviderMapsInvalidArgument(t *testing.T) {
	model := &fakeModelServer{embedErr: status.Error(codes.InvalidArgument, "no face")}
	conn := startModelServer(t, model, healthpb.HealthCheckResponse_SERVING)
	p := NewGRPCProvider(conn, MetricCosine, imageprocessor.New(16), nil)

	_, err := p.Embed(context.Background(), faceauth.Image{Data: testPNG(t, 8, 8)})
	assert.ErrorIs(t, err, imageprocessor.ErrUndecodable)
}

func TestGRPCProviderInfo(t *testing.T) {
	conn := startModelServer(t, &fakeModelServer{}, healthpb.HealthCheckResponse_SERVING)
	p := NewGRPCProvider(conn, MetricEuclidean, nil, nil)

	info, err := p.Info(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Loaded)
	assert.Equal(t, "siamese", info.ModelType)
	assert.Equal(t, "cpu", info.Device)
	assert.EqualValues(t, 38960449, info.TotalParameters)
	assert.Equal(t, 4096, info.EmbeddingSize)
	assert.Equal(t, []string{"same", "different"}, info.ClassNames)
	assert.Equal(t, MetricEuclidean, info.Metric)
}

func TestGRPCProviderInfoWhenNotServing(t *testing.T) {
	conn := startModelServer(t, &fakeModelServer{}, healthpb.HealthCheckResponse_NOT_SERVING)
	p := NewGRPCProvider(conn, MetricCosine, nil, nil)

	info, err := p.Info(context.Background())
	assert.ErrorIs(t, err, faceauth.ErrProviderUnavailable)
	assert.False(t, info.Loaded)
}
