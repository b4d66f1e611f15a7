package api

import (
	"context"
	"strings"

	"github.com/cuemby/dnsmgmt/pkg/log"
	"github.com/cuemby/dnsmgmt/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows read-only operations.
// This is used for the local socket listener, which is not authenticated.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"write operations not allowed on the local socket - use the API address with mTLS",
			)
		}
		return handler(ctx, req)
	}
}

// ReadOnlyStreamInterceptor is the streaming counterpart of ReadOnlyInterceptor
func ReadOnlyStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !isReadOnlyMethod(info.FullMethod) {
			return status.Errorf(codes.PermissionDenied, "write operations not allowed on the local socket")
		}
		return handler(srv, ss)
	}
}

// isReadOnlyMethod checks if a gRPC method is read-only
func isReadOnlyMethod(method string) bool {
	// "/dnsmgmt.v1.DNSManagement/ListEntries" -> "ListEntries"
	parts := strings.Split(method, "/")
	if len(parts) < 2 {
		return false
	}
	methodName := parts[len(parts)-1]

	for _, prefix := range []string{"List", "Get", "Watch", "Check"} {
		if strings.HasPrefix(methodName, prefix) {
			return true
		}
	}

	// Default: block
	return false
}

// MetricsInterceptor records request counts and latency per method and
// logs failed calls.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		timer := metrics.NewTimer()
		method := methodName(info.FullMethod)

		resp, err := handler(ctx, req)

		code := status.Code(err)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()

		if err != nil {
			logger.Warn().
				Str("method", method).
				Str("code", code.String()).
				Err(err).
				Msg("api request failed")
		} else {
			logger.Debug().Str("method", method).Dur("duration", timer.Duration()).Msg("api request")
		}
		return resp, err
	}
}

func methodName(fullMethod string) string {
	return fullMethod[strings.LastIndex(fullMethod, "/")+1:]
}
