package api

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/dnsmgmt/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsReadOnlyMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{method: FullMethod(MethodListEntries), want: true},
		{method: FullMethod(MethodListFilters), want: true},
		{method: FullMethod(MethodGetEntry), want: true},
		{method: FullMethod(MethodWatchEvents), want: true},
		{method: "/grpc.health.v1.Health/Check", want: true},
		{method: FullMethod(MethodApplyFilters), want: false},
		{method: FullMethod(MethodPutAllocation), want: false},
		{method: FullMethod(MethodResync), want: false},
		{method: "garbage", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, isReadOnlyMethod(tt.method))
		})
	}
}

func TestReadOnlyInterceptor(t *testing.T) {
	interceptor := ReadOnlyInterceptor()
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodListNodes)}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodPutNode)}, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestReadOnlyStreamInterceptor(t *testing.T) {
	interceptor := ReadOnlyStreamInterceptor()
	called := false
	handler := func(srv any, ss grpc.ServerStream) error { called = true; return nil }

	require.NoError(t, interceptor(nil, nil, &grpc.StreamServerInfo{FullMethod: FullMethod(MethodWatchEvents)}, handler))
	assert.True(t, called)

	err := interceptor(nil, nil, &grpc.StreamServerInfo{FullMethod: "/" + ServiceName + "/StreamWrites"}, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestMetricsInterceptor(t *testing.T) {
	interceptor := MetricsInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodResync)}

	okBefore := testutil.ToFloat64(metrics.APIRequestsTotal.WithLabelValues(MethodResync, codes.OK.String()))
	failBefore := testutil.ToFloat64(metrics.APIRequestsTotal.WithLabelValues(MethodResync, codes.Internal.String()))

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return &Ack{Status: "ok"}, nil
	})
	require.NoError(t, err)

	_, err = interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, toStatus(errors.New("boom"))
	})
	require.Error(t, err)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.APIRequestsTotal.WithLabelValues(MethodResync, codes.OK.String())))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(metrics.APIRequestsTotal.WithLabelValues(MethodResync, codes.Internal.String())))
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "ListEntries", methodName(FullMethod(MethodListEntries)))
	assert.Equal(t, "plain", methodName("plain"))
}
