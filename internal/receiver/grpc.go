package receiver

import (
	"context"
	"fmt"
	"log"
	"net"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCReceiver serves the OTLP LogsService. Collectors may compress requests
// with gzip.
type GRPCReceiver struct {
	collogspb.UnimplementedLogsServiceServer
	consumer *Consumer
	server   *grpc.Server
	addr     string
}

// NewGRPCReceiver creates a receiver listening on addr once started.
func NewGRPCReceiver(addr string, consumer *Consumer) *GRPCReceiver {
	r := &GRPCReceiver{
		consumer: consumer,
		addr:     addr,
		server:   grpc.NewServer(grpc.MaxRecvMsgSize(maxBodySize)),
	}
	collogspb.RegisterLogsServiceServer(r.server, r)
	reflection.Register(r.server)
	return r
}

// Start listens on the configured address and serves until Shutdown.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", r.addr, err)
	}
	return r.Serve(lis)
}

// Serve accepts connections on lis until Shutdown.
func (r *GRPCReceiver) Serve(lis net.Listener) error {
	log.Printf("gRPC receiver accepting on %s", lis.Addr())
	return r.server.Serve(lis)
}

// Shutdown drains in-flight exports, or stops hard once ctx expires.
func (r *GRPCReceiver) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.server.GracefulStop()
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		r.server.Stop()
		return ctx.Err()
	}
}

// Export runs one export request through the pipeline.
func (r *GRPCReceiver) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	summary, err := r.consumer.ConsumeOTLP(ctx, req, "otlp-grpc")
	switch {
	case err == nil:
		return exportResponse(summary), nil
	case ctx.Err() != nil:
		return nil, status.FromContextError(ctx.Err()).Err()
	default:
		return nil, status.Errorf(codes.Internal, "ingesting logs: %v", err)
	}
}
