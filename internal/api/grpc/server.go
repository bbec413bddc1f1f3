package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	ierrors "github.com/tidemark/tidemark/internal/errors"
)

// NewServer creates a gRPC server serving the reporter's health service and
// server reflection.
func NewServer(reporter *HealthReporter, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(
		RequestIDInterceptor,
		RecoveryInterceptor(logger),
		ErrorInterceptor,
	)}, opts...)

	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, reporter.Server())
	reflection.Register(s)
	return s
}

type requestIDKey struct{}

// RequestID returns the request id attached by RequestIDInterceptor.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// extractRequestID reads x-request-id from the incoming metadata or makes
// a new one.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// RequestIDInterceptor attaches a request id to the context and echoes it in
// the response header.
func RequestIDInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	id := extractRequestID(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", id))
	return handler(context.WithValue(ctx, requestIDKey{}, id), req)
}

// ErrorInterceptor converts tagged errors into gRPC status errors.
func ErrorInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, ok := status.FromError(err); ok {
		return resp, err
	}
	return resp, status.Error(CodeFor(err), err.Error())
}

// CodeFor maps an error kind to a gRPC code.
func CodeFor(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	switch ierrors.GetKind(err) {
	case ierrors.KindNotFound:
		return codes.NotFound
	case ierrors.KindEngineUnavailable:
		return codes.Unavailable
	case ierrors.KindUnsupportedOperation:
		return codes.Unimplemented
	case ierrors.KindInvalidArgument:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// RecoveryInterceptor turns a handler panic into codes.Internal.
func RecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("panic in grpc handler",
					"method", info.FullMethod,
					"request_id", RequestID(ctx),
					"panic", p)
				err = status.Error(codes.Internal, "internal server error")
			}
			logger.Debug("grpc call",
				"method", info.FullMethod,
				"duration", time.Since(start),
				"error", err)
		}()
		return handler(ctx, req)
	}
}
