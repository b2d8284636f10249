package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"sparkles/internal/database"
	"sparkles/internal/models"
	"sparkles/internal/scheduler"
	"sparkles/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	schedulerServiceName = "sparkles.scheduler.v1.SchedulerService"
	methodFireNow        = "/" + schedulerServiceName + "/FireNow"
	methodListPending    = "/" + schedulerServiceName + "/ListPending"
)

// SchedulerServer gRPC-интерфейс планировщика. Сообщения из well-known
// типов protobuf, поэтому сгенерированный код не нужен.
type SchedulerServer interface {
	// FireNow принимает id события.
	FireNow(ctx context.Context, id *wrapperspb.StringValue) (*emptypb.Empty, error)
	// ListPending принимает вид ("" для всех) и возвращает по struct на событие.
	ListPending(ctx context.Context, kind *wrapperspb.StringValue) (*structpb.ListValue, error)
}

var schedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: schedulerServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FireNow", Handler: fireNowHandler},
		{MethodName: "ListPending", Handler: listPendingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sparkles/scheduler/v1/scheduler.proto",
}

func RegisterSchedulerServer(s grpc.ServiceRegistrar, srv SchedulerServer) {
	s.RegisterService(&schedulerServiceDesc, srv)
}

func fireNowHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).FireNow(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFireNow}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SchedulerServer).FireNow(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listPendingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).ListPending(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListPending}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SchedulerServer).ListPending(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

type schedulerService struct {
	events  EventAPI
	watcher Firer
}

func (s *schedulerService) FireNow(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id := strings.TrimSpace(in.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "event id is required")
	}
	if s.watcher == nil {
		return nil, status.Error(codes.Unavailable, "scheduler not running")
	}

	ev, err := s.events.Get(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	if err := s.watcher.FireNow(ev.Kind, id); err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *schedulerService) ListPending(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	evs, err := s.events.Pending(ctx, models.Kind(strings.TrimSpace(in.GetValue())))
	if err != nil {
		return nil, grpcError(err)
	}

	items := make([]any, 0, len(evs))
	for _, ev := range evs {
		items = append(items, eventFields(ev))
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode events: %v", err)
	}
	return list, nil
}

func eventFields(ev models.PendingEvent) map[string]any {
	m := map[string]any{
		"id":         ev.ID,
		"kind":       string(ev.Kind),
		"account_id": ev.AccountID,
		"fire_at":    ev.FireAt.UTC().Format(time.RFC3339Nano),
		"status":     string(ev.Status),
		"attempts":   ev.Attempts,
	}
	if ev.LastError != "" {
		m["last_error"] = ev.LastError
	}
	return m
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, database.ErrEventNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrInvalidEvent), errors.Is(err, service.ErrUnknownFeature):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, scheduler.ErrAlreadyFiring),
		errors.Is(err, scheduler.ErrNotPending),
		errors.Is(err, scheduler.ErrUnknownEvent):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
