package grpc_control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlService implements ControlServer on top of the relay engine.
// Start holds one session reference for the control plane; Stop ends the
// session for every holder.
type ControlService struct {
	Core   interfaces.IRelayEngine
	Logger *logger.Logger

	mu    sync.Mutex
	lease uint64
}

func NewControlService(core interfaces.IRelayEngine, log *logger.Logger) *ControlService {
	return &ControlService{Core: core, Logger: log}
}

// -----------------------------------------------------------------------------

func (s *ControlService) Start(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Core.Holds(s.lease) {
		lease, err := s.Core.Acquire(ctx)
		if err != nil {
			s.Logger.Error("gRPC: Start failed: %v", err)
			return nil, status.Errorf(codes.Unavailable, "start session: %v", err)
		}
		s.lease = lease
	}

	s.Logger.Info("gRPC: upstream session started")
	return structpb.NewStruct(map[string]interface{}{
		"success": true,
		"running": s.Core.IsRunning(),
	})
}

// -----------------------------------------------------------------------------

func (s *ControlService) Stop(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.Lock()
	s.lease = 0
	s.mu.Unlock()

	s.Core.Stop()
	s.Logger.Info("gRPC: upstream session stopped")
	return structpb.NewStruct(map[string]interface{}{
		"success": true,
		"running": s.Core.IsRunning(),
	})
}

// -----------------------------------------------------------------------------

func (s *ControlService) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats, err := s.Core.Stats(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "stats: %v", err)
	}

	fields, err := toMap(stats)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return structpb.NewStruct(fields)
}

// -----------------------------------------------------------------------------

func (s *ControlService) ListInstruments(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	list, err := s.Core.Instruments(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "instruments: %v", err)
	}

	values := make([]interface{}, 0, len(list))
	for _, inst := range list {
		values = append(values, instrumentFields(inst))
	}
	return structpb.NewList(values)
}

// -----------------------------------------------------------------------------

func instrumentFields(inst models.MInstrument) map[string]interface{} {
	fields := map[string]interface{}{
		"id":   float64(inst.ID),
		"name": inst.Name,
	}
	if inst.HasPending() {
		fields["pending_request_id"] = inst.PendingRequestID
	}
	return fields
}

// toMap goes through JSON so structpb sees only plain values.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

type Server struct {
	Addr   string
	Logger *logger.Logger
	grpc   *grpc.Server
}

func NewServer(cfg *models.MConfig, svc ControlServer, log *logger.Logger) *Server {
	port := cfg.GrpcPort
	if port == 0 {
		port = 50051 // Default fallback
	}

	gs := grpc.NewServer()
	RegisterControlServer(gs, svc)
	return &Server{
		Addr:   fmt.Sprintf("%s:%d", cfg.GrpcHost, port),
		Logger: log,
		grpc:   gs,
	}
}

// Start blocks serving on Addr.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC on %s: %w", s.Addr, err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.Logger.Info("Starting gRPC control server on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
