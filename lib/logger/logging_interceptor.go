package logger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

type LoggingInterceptor struct {
	service string
	logger  *slog.Logger
}

func NewLoggingInterceptor(service string, logger *slog.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{service: service, logger: Ensure(logger)}
}

func (l *LoggingInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		l.log(ctx, "gRPC Unary Call", info.FullMethod, start, err)
		return resp, err
	}
}

func (l *LoggingInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()

		err := handler(srv, ss)

		l.log(ss.Context(), "gRPC Stream Call", info.FullMethod, start, err)
		return err
	}
}

func (l *LoggingInterceptor) log(ctx context.Context, msg, method string, start time.Time, err error) {
	statusCode := codes.OK
	if err != nil {
		if st, ok := status.FromError(err); ok {
			statusCode = st.Code()
		} else {
			statusCode = codes.Unknown
		}
	}

	level := slog.LevelInfo
	if strings.HasPrefix(method, healthServicePrefix) {
		level = slog.LevelDebug
	}
	if statusCode != codes.OK {
		level = slog.LevelWarn
	}

	l.logger.Log(ctx, level, msg,
		slog.String("grpc_service", l.service),
		slog.String("method", method),
		slog.String("client_ip", getClientIP(ctx)),
		slog.String("user_agent", getUserAgent(ctx)),
		slog.Time("start_time", start),
		slog.Duration("duration", time.Since(start)),
		slog.String("status_code", statusCode.String()),
	)
}

func getClientIP(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if xff := md.Get("x-forwarded-for"); len(xff) > 0 {
			return xff[0]
		}
		if xri := md.Get("x-real-ip"); len(xri) > 0 {
			return xri[0]
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}

	return "unknown"
}

func getUserAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "unknown"
	}

	if ua := md.Get("user-agent"); len(ua) > 0 {
		return ua[0]
	}

	return "unknown"
}
