package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"fatigue-monitor/go-client/internal/models"
	"fatigue-monitor/go-client/internal/services"
)

// startGRPCAnalyzer serves handler for every stream on an in-memory listener
// and returns a dialer wired to it.
func startGRPCAnalyzer(t *testing.T, metrics *services.Metrics, handler func(stream grpc.ServerStream) error) (*GRPCDialer, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != AnalyzeMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		return handler(stream)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	d := NewGRPCDialer(Options{Metrics: metrics},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	return d, lis
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestGRPCRoundTrip(t *testing.T) {
	metrics := services.NewMetrics()
	frames := make(chan *structpb.Struct, 4)
	responses := []*structpb.Struct{
		mustStruct(t, map[string]any{"status": "drowsy", "image_base64": "Zm9v"}),
		mustStruct(t, map[string]any{"status": 3.0}),
		mustStruct(t, map[string]any{}),
	}

	d, _ := startGRPCAnalyzer(t, metrics, func(stream grpc.ServerStream) error {
		for {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return nil
			}
			frames <- in
			for _, out := range responses {
				if err := stream.SendMsg(out); err != nil {
					return err
				}
			}
		}
	})

	rec := &recorder{}
	ch, err := d.Dial(context.Background(), "grpc://bufnet", 12345, rec.handlers())
	require.NoError(t, err)
	defer ch.Close()

	assert.True(t, ch.Send(models.FramePayload{Bytes: []byte("foo"), DriverID: 12345}))
	assert.False(t, ch.Send(models.FramePayload{Bytes: []byte("foo"), DriverID: 1}))

	select {
	case in := <-frames:
		assert.Equal(t, "Zm9v", in.GetFields()["image_base64"].GetStringValue())
		assert.Equal(t, float64(12345), in.GetFields()["driver_id"].GetNumberValue())
	case <-time.After(2 * time.Second):
		t.Fatal("analyzer received no frame")
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	results := rec.snapshot()
	assert.Equal(t, "drowsy", results[0].Status)
	assert.Equal(t, []byte("foo"), results[0].AlertImage)
	assert.Equal(t, models.StatusUnknown, results[1].Status)
	assert.Equal(t, int64(1), metrics.GetMalformed())
}

func TestGRPCStreamEndIsConnectionLost(t *testing.T) {
	release := make(chan struct{})
	d, _ := startGRPCAnalyzer(t, nil, func(stream grpc.ServerStream) error {
		<-release
		return status.Error(codes.Unavailable, "analyzer restarting")
	})

	rec := &recorder{}
	ch, err := d.Dial(context.Background(), "grpc://bufnet", 1, rec.handlers())
	require.NoError(t, err)
	defer ch.Close()

	close(release)
	require.Eventually(t, func() bool { return rec.lost.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	lostErr, _ := rec.lostErr.Load().(error)
	assert.True(t, errors.Is(lostErr, ErrConnectionLost))
	assert.Equal(t, StateClosed, ch.State())
}

func TestGRPCCloseIsQuiet(t *testing.T) {
	d, _ := startGRPCAnalyzer(t, nil, func(stream grpc.ServerStream) error {
		<-stream.Context().Done()
		return nil
	})

	rec := &recorder{}
	ch, err := d.Dial(context.Background(), "grpc://bufnet", 1, rec.handlers())
	require.NoError(t, err)

	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
	assert.False(t, ch.Send(models.FramePayload{Bytes: []byte("foo"), DriverID: 1}))
	assert.Never(t, func() bool { return rec.lost.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestGRPCDialFailure(t *testing.T) {
	d, lis := startGRPCAnalyzer(t, nil, func(stream grpc.ServerStream) error { return nil })
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.Dial(ctx, "grpc://bufnet", 1, Handlers{})
	assert.True(t, errors.Is(err, ErrConnectionFailed), "got %v", err)

	_, err = d.Dial(ctx, "ws://not-grpc", 1, Handlers{})
	assert.True(t, errors.Is(err, ErrConnectionFailed))
}

func TestGRPCTarget(t *testing.T) {
	target, secure, err := grpcTarget("grpcs://analyzer.example:443")
	require.NoError(t, err)
	assert.Equal(t, "analyzer.example:443", target)
	assert.True(t, secure)

	target, secure, err = grpcTarget("grpc://localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", target)
	assert.False(t, secure)
}
