package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"fatigue-monitor/go-client/internal/models"
)

// AnalyzeMethod is the bidirectional stream the analyzer serves. Both
// directions carry google.protobuf.Struct values with the same field names
// as the JSON protocol, so no generated stubs are needed.
const AnalyzeMethod = "/fatigue.v1.Analyzer/Analyze"

var analyzeStream = &grpc.StreamDesc{
	StreamName:    "Analyze",
	ClientStreams: true,
	ServerStreams: true,
}

type GRPCDialer struct {
	opts  Options
	extra []grpc.DialOption
}

func NewGRPCDialer(opts Options, extra ...grpc.DialOption) *GRPCDialer {
	return &GRPCDialer{opts: opts.withDefaults(), extra: extra}
}

func (d *GRPCDialer) Dial(ctx context.Context, endpoint string, driverID int, h Handlers) (Channel, error) {
	target, secure, err := grpcTarget(endpoint)
	if err != nil {
		return nil, errors.Wrap(ErrConnectionFailed, err.Error())
	}
	log := d.opts.Log.With("driver_id", driverID)
	log.Infof("connecting to analyzer gRPC at %s", target)

	creds := insecure.NewCredentials()
	if secure {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(int(d.opts.MaxMessageSize)),
			grpc.MaxCallSendMsgSize(int(d.opts.MaxMessageSize)),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    5 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	}
	opts = append(opts, d.extra...)

	conn, err := grpc.NewClient("passthrough:///"+target, opts...)
	if err != nil {
		return nil, errors.Wrapf(ErrConnectionFailed, "could not create gRPC client for %s: %v", target, err)
	}
	if err := waitReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(ErrConnectionFailed, "could not connect to analyzer at %s: %v", target, err)
	}

	// the stream outlives the dial context
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, analyzeStream, AnalyzeMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, errors.Wrapf(ErrConnectionFailed, "could not open analyze stream: %v", err)
	}

	c := &grpcChannel{
		conn:   conn,
		stream: stream,
		cancel: cancel,
	}
	c.init(driverID, h, d.opts)
	c.state.Store(int32(StateReady))
	go c.recvLoop()

	log.Infof("connected to analyzer gRPC at %s", target)
	return c, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		s := conn.GetState()
		switch s {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return errors.Errorf("channel %s", s)
		}
		if !conn.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}

func grpcTarget(endpoint string) (string, bool, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, err
	}
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		return u.Host, false, nil
	case "grpcs":
		return u.Host, true, nil
	default:
		return "", false, errors.Errorf("not a gRPC endpoint: %s", endpoint)
	}
}

type grpcChannel struct {
	base
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	sendMu sync.Mutex
}

func (c *grpcChannel) Send(p models.FramePayload) bool {
	if !c.accept(p) {
		return false
	}
	msg, err := structpb.NewStruct(map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString(p.Bytes),
		"driver_id":    p.DriverID,
	})
	if err != nil {
		c.metrics.IncrementDropped()
		c.log.Errorf("build frame message: %v", err)
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.State() != StateReady {
		c.metrics.IncrementDropped()
		return false
	}
	if err := c.stream.SendMsg(msg); err != nil {
		// the real cause surfaces on RecvMsg
		c.metrics.IncrementDropped()
		c.log.Warnf("send frame: %v", err)
		return false
	}
	return true
}

func (c *grpcChannel) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	err := c.conn.Close()
	c.log.Infof("analyzer gRPC connection closed")
	return err
}

func (c *grpcChannel) recvLoop() {
	for {
		msg := new(structpb.Struct)
		if err := c.stream.RecvMsg(msg); err != nil {
			c.lost(err)
			c.cancel()
			_ = c.conn.Close()
			return
		}
		if c.State() != StateReady {
			return
		}
		c.dispatch(resultFromStruct(msg))
	}
}

func resultFromStruct(msg *structpb.Struct) (models.AnalysisResult, error) {
	var rm models.ResultMessage
	fields := msg.GetFields()
	if v, ok := fields["status"]; ok {
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			s := k.StringValue
			rm.Status = &s
		case *structpb.Value_NullValue:
		default:
			return models.AnalysisResult{}, errors.Wrap(ErrMalformedMessage, "status is not a string")
		}
	}
	if v, ok := fields["image_base64"]; ok {
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			s := k.StringValue
			rm.ImageBase64 = &s
		case *structpb.Value_NullValue:
		default:
			return models.AnalysisResult{}, errors.Wrap(ErrMalformedMessage, "image_base64 is not a string")
		}
	}
	return resultFromMessage(rm)
}
