package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"fleet-governor/internal/model"
)

const (
	ServiceName = "fleetgov.control.v1.Control"
	CallMethod  = "/" + ServiceName + "/Call"
)

type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Observer is told about every dispatched request.
type Observer interface {
	ObserveControlCall(msgType model.MessageType, err error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, req model.ControlRequest) model.ControlReply
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*dispatcher)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleetgov/control/v1/control.proto",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(model.ControlRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		reply := srv.(dispatcher).Dispatch(ctx, *req.(*model.ControlRequest))
		return &reply, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	return interceptor(ctx, in, info, handler)
}

// Server routes control requests to handlers by message type.
type Server struct {
	logger   *slog.Logger
	token    string
	observer Observer

	mu       sync.RWMutex
	handlers map[model.MessageType]HandlerFunc
}

func NewServer(token string, logger *slog.Logger) *Server {
	return &Server{
		logger:   logger,
		token:    token,
		handlers: map[model.MessageType]HandlerFunc{},
	}
}

func (s *Server) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

func (s *Server) Handle(t model.MessageType, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// GRPCServer builds a grpc.Server serving this control service.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(s.authenticate))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, s)
	return gs
}

func (s *Server) Dispatch(ctx context.Context, req model.ControlRequest) model.ControlReply {
	reply := model.ControlReply{ReplyTo: req.MsgID}

	s.mu.RLock()
	h, ok := s.handlers[req.Type]
	obs := s.observer
	s.mu.RUnlock()

	var err error
	defer func() {
		if obs != nil {
			obs.ObserveControlCall(req.Type, err)
		}
	}()

	if !ok {
		err = fmt.Errorf("unknown message type %q", req.Type)
		reply.Error = err.Error()
		return reply
	}
	out, err := h(ctx, req.Payload)
	if err != nil {
		s.logger.Debug("control handler failed", "type", req.Type, "msg_id", req.MsgID, "error", err)
		reply.Error = err.Error()
		return reply
	}
	if out != nil {
		data, merr := json.Marshal(out)
		if merr != nil {
			err = fmt.Errorf("encode reply: %w", merr)
			reply.Error = err.Error()
			return reply
		}
		reply.Data = data
	}
	return reply
}

func (s *Server) authenticate(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.token == "" {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		got, ok := strings.CutPrefix(v, "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1 {
			return handler(ctx, req)
		}
	}
	return nil, status.Error(codes.Unauthenticated, "missing or invalid bearer token")
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
