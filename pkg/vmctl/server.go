package vmctl

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/fortiblox/bitmapvm/pkg/coredump"
	"github.com/fortiblox/bitmapvm/pkg/cpu"
	"github.com/fortiblox/bitmapvm/pkg/vm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server errors.
var (
	ErrServerRunning = errors.New("vmctl server already running")
)

// Server serves the control service for one machine.
type Server struct {
	config Config
	sys    *vm.System
	cpus   []*cpu.CPU
	dumps  coredump.Store

	mu      sync.Mutex
	grpc    *grpc.Server
	running bool
}

// NewServer creates a control server. dumps may be nil.
func NewServer(config Config, sys *vm.System, cpus []*cpu.CPU, dumps coredump.Store) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	return &Server{
		config: config,
		sys:    sys,
		cpus:   cpus,
		dumps:  dumps,
	}, nil
}

// Serve accepts connections on lis until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime: s.config.KeepaliveTime,
		}),
		grpc.UnaryInterceptor(s.authenticate),
	)
	Register(s.grpc, s)
	s.running = true
	srv := s.grpc
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Printf("[vmctl] Serving on %s", lis.Addr())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.grpc
	running := s.running
	s.running = false
	s.mu.Unlock()

	if running && srv != nil {
		srv.GracefulStop()
	}
}

// authenticate rejects calls without the configured token.
func (s *Server) authenticate(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if s.config.Token != "" {
		md, _ := metadata.FromIncomingContext(ctx)
		tokens := md.Get("x-token")
		if len(tokens) == 0 || subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(s.config.Token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
	}
	return handler(ctx, req)
}

// Stats implements VMControlServer.
func (s *Server) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	resp := &StatsResponse{Stats: s.sys.Stats()}
	for _, c := range s.cpus {
		resp.CPUs = append(resp.CPUs, CPUStats{
			ID:       c.ID(),
			TLBValid: c.TLB().ValidCount(),
			Busy:     c.Process() != nil,
		})
	}
	return resp, nil
}

// ListAddressSpaces implements VMControlServer.
func (s *Server) ListAddressSpaces(ctx context.Context, _ *ListAddressSpacesRequest) (*ListAddressSpacesResponse, error) {
	return &ListAddressSpacesResponse{Spaces: s.sys.AddrSpaces()}, nil
}

// ListDumps implements VMControlServer.
func (s *Server) ListDumps(ctx context.Context, _ *ListDumpsRequest) (*ListDumpsResponse, error) {
	if s.dumps == nil {
		return &ListDumpsResponse{}, nil
	}
	metas, err := s.dumps.List()
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListDumpsResponse{Dumps: metas}, nil
}

// GetDump implements VMControlServer.
func (s *Server) GetDump(ctx context.Context, req *GetDumpRequest) (*GetDumpResponse, error) {
	if s.dumps == nil {
		return nil, status.Error(codes.Unavailable, "no dump store configured")
	}
	key, err := coredump.ParseKey(req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	d, err := s.dumps.Get(key)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &GetDumpResponse{Segments: make([]coredump.Segment, len(d.Segments))}
	if m, ok := findMeta(s.dumps, key); ok {
		resp.Meta = m
	} else {
		resp.Meta = coredump.Meta{
			Key:    key.String(),
			ID:     d.ID.String(),
			Seq:    d.Seq,
			PID:    d.PID,
			Name:   d.Name,
			Reason: d.Reason,
			Time:   d.Time,
			Hash:   d.Hash,
			Digest: d.Digest,
			Size:   d.Size(),
		}
	}
	for i, seg := range d.Segments {
		resp.Segments[i] = coredump.Segment{Name: seg.Name, VBase: seg.VBase, NPages: seg.NPages}
		if req.WithData {
			resp.Segments[i].Data = seg.Data
		}
	}
	return resp, nil
}

// findMeta returns the stored metadata for key, which carries the encoded size.
func findMeta(store coredump.Store, key coredump.Key) (coredump.Meta, bool) {
	metas, err := store.List()
	if err != nil {
		return coredump.Meta{}, false
	}
	want := key.String()
	for _, m := range metas {
		if m.Key == want {
			return m, true
		}
	}
	return coredump.Meta{}, false
}

// toStatus maps store errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, coredump.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, coredump.ErrInvalidKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, coredump.ErrCorrupt):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, coredump.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
