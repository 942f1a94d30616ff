// Package grpcclient dials the model-serving gRPC backend.
package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/example/face-verify/internal/logging"
)

// DefaultDialTimeout bounds how long Dial waits for the backend.
const DefaultDialTimeout = 5 * time.Second

// maxMessageSize leaves room for a batch of base64 encoded pictures.
const maxMessageSize = 16 << 20

// Dial returns a ready-to-use connection to the embedding service at addr.
// When block is true Dial waits until the connection is established.
func Dial(ctx context.Context, addr string, block bool, logger *zap.Logger) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if block {
		opts = append(opts, grpc.WithBlock())
	}

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_embedding_service", "", err)
		logger.Error("failed to dial embedding service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	logger.Info("connected to embedding service", zap.String("addr", addr), zap.Bool("blocking", block))
	return conn, nil
}
