package ledgersync

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/decentcloud/dcledger/exception"
	"github.com/decentcloud/dcledger/logx"
)

const (
	serviceName     = "dcledger.sync.LedgerSync"
	nextBlockMethod = "/" + serviceName + "/NextBlock"

	// DefaultServerDeadline bounds requests that arrive without a deadline.
	DefaultServerDeadline = 30 * time.Second
	// MaxMessageSize fits one maximal block plus framing.
	MaxMessageSize = 96 << 20
)

type syncServer interface {
	NextBlock(ctx context.Context, req *NextBlockRequest) (*NextBlockResponse, error)
}

func nextBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NextBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(syncServer).NextBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: nextBlockMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(syncServer).NextBlock(ctx, req.(*NextBlockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*syncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NextBlock", Handler: nextBlockHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledgersync",
}

// Register exposes s on a gRPC server.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&serviceDesc, s)
}

func defaultDeadlineUnaryInterceptor(defaultTimeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) <= 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
			defer cancel()
		}
		return handler(ctx, req)
	}
}

// NewGRPCServer builds a gRPC server with the sync service registered.
func NewGRPCServer(s *Server) *grpc.Server {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(defaultDeadlineUnaryInterceptor(DefaultServerDeadline)),
		grpc.MaxRecvMsgSize(1<<20),
		grpc.MaxSendMsgSize(MaxMessageSize),
	)
	Register(gs, s)
	return gs
}

// Serve listens on addr and serves gs in the background.
func Serve(gs *grpc.Server, addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	exception.SafeGo("SyncGrpcServer", func() {
		if err := gs.Serve(lis); err != nil {
			logx.Error("SYNC", fmt.Sprintf("gRPC server stopped: %v", err))
		}
	})
	logx.Info("SYNC", "gRPC sync server listening on ", lis.Addr().String())
	return lis, nil
}

// Client calls NextBlock on a remote ledger.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects lazily to addr. Extra dial options are appended to the
// defaults, which tests use to plug in an in-memory listener.
func NewClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize)),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

func (c *Client) NextBlock(ctx context.Context, req *NextBlockRequest) (*NextBlockResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp := new(NextBlockResponse)
	if err := c.conn.Invoke(ctx, nextBlockMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
