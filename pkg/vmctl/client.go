package vmctl

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/bitmapvm/pkg/coredump"
	"github.com/fortiblox/bitmapvm/pkg/vm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Client errors.
var (
	ErrUnauthenticated = errors.New("vmctl call rejected: bad token")
	ErrUnavailable     = errors.New("vmctl service unavailable")
)

// Client is a control service client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a control server. Extra options are appended to the
// defaults, so tests can supply their own dialer.
func Dial(ctx context.Context, config Config, opts ...grpc.DialOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(jsonCodec{}),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
		grpc.WithBlock(),
	}
	if config.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(&tokenAuth{token: config.Token}))
	}
	dialOpts = append(dialOpts, opts...)

	ctx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, config.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.Address, err)
	}
	return &Client{conn: conn}, nil
}

// Stats returns machine statistics.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	resp := new(StatsResponse)
	if err := c.conn.Invoke(ctx, MethodStats, &StatsRequest{}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// ListAddressSpaces returns the live address spaces.
func (c *Client) ListAddressSpaces(ctx context.Context) ([]vm.Info, error) {
	resp := new(ListAddressSpacesResponse)
	if err := c.conn.Invoke(ctx, MethodListAddressSpaces, &ListAddressSpacesRequest{}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Spaces, nil
}

// ListDumps returns stored dump metadata.
func (c *Client) ListDumps(ctx context.Context) ([]coredump.Meta, error) {
	resp := new(ListDumpsResponse)
	if err := c.conn.Invoke(ctx, MethodListDumps, &ListDumpsRequest{}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Dumps, nil
}

// GetDump fetches one dump by key.
func (c *Client) GetDump(ctx context.Context, key string, withData bool) (*GetDumpResponse, error) {
	resp := new(GetDumpResponse)
	req := &GetDumpRequest{Key: key, WithData: withData}
	if err := c.conn.Invoke(ctx, MethodGetDump, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// fromStatus maps gRPC status codes back onto package errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", coredump.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", coredump.ErrInvalidKey, st.Message())
	case codes.DataLoss:
		return fmt.Errorf("%w: %s", coredump.ErrCorrupt, st.Message())
	case codes.Unauthenticated:
		return ErrUnauthenticated
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	default:
		return err
	}
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token string
}

func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"x-token": t.token}, nil
}

func (t *tokenAuth) RequireTransportSecurity() bool {
	return false
}
