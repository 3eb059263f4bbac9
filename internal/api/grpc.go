package api

import (
	"context"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlService exposes the control surface over gRPC alongside the JSON
// HTTP routes in api.go, mirroring the teacher's dependency on
// google.golang.org/grpc (present in go.mod without a concrete service in
// the retrieved tree). The wire messages are the well-known
// google.protobuf.Empty and google.protobuf.Struct types rather than a
// hand-authored .proto: every call here carries either no payload or a
// small, schema-free bag of fields, so there is nothing a generated
// message type would buy that structpb.Struct does not already give for
// free, and it avoids requiring a protoc run to produce this package.
type ControlService struct {
	s *Server
}

// NewControlService adapts a Server to the gRPC control service.
func NewControlService(s *Server) *ControlService {
	return &ControlService{s: s}
}

func (c *ControlService) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	c.s.tracker.Reset()
	log.Printf("slam/api: reset requested (grpc)")
	return &emptypb.Empty{}, nil
}

func (c *ControlService) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	c.s.shutdownOnce.Do(func() {
		for _, stopper := range c.s.stoppers {
			stopper.Stop()
		}
		if c.s.store != nil && c.s.m != nil {
			if _, err := c.s.store.Snapshot(c.s.m, "shutdown"); err != nil {
				log.Printf("slam/api: final snapshot on shutdown failed: %v", err)
			}
		}
		log.Printf("slam/api: shutdown complete (grpc)")
	})
	return &emptypb.Empty{}, nil
}

// SetLocalizationMode reads a boolean "enabled" field out of the request
// struct; missing or non-boolean fields are treated as false.
func (c *ControlService) SetLocalizationMode(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	enabled := false
	if req != nil {
		if v, ok := req.Fields["enabled"]; ok {
			enabled = v.GetBoolValue()
		}
	}
	if enabled {
		c.s.tracker.ActivateLocalizationMode()
	} else {
		c.s.tracker.DeactivateLocalizationMode()
	}
	return &emptypb.Empty{}, nil
}

// Pose returns the most recent tracked pose as {available, translation,
// rotation}, the same shape as the HTTP /api/pose response.
func (c *ControlService) Pose(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	pose, ok := c.s.tracker.CurrentPose()
	if !ok {
		return structpb.NewStruct(map[string]interface{}{"available": false})
	}
	rotation := make([]interface{}, 0, 9)
	if pose.Rcw != nil {
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				rotation = append(rotation, pose.Rcw.At(row, col))
			}
		}
	}
	return structpb.NewStruct(map[string]interface{}{
		"available":   true,
		"translation": []interface{}{pose.Tcw3[0], pose.Tcw3[1], pose.Tcw3[2]},
		"rotation":    rotation,
	})
}

// GetState returns the tracker's current state name.
func (c *ControlService) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"state": c.s.tracker.State().String()})
}

// controlServer is the interface grpc.ServiceDesc dispatches against; kept
// unexported since RegisterControlServer is the only intended entry point,
// the same visibility a generated XxxServer interface would normally have.
type controlServer interface {
	Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SetLocalizationMode(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Pose(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var _ controlServer = (*ControlService)(nil)

func controlResetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/slam.Control/Reset"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Reset(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func controlShutdownHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/slam.Control/Shutdown"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Shutdown(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func controlSetLocalizationModeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).SetLocalizationMode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/slam.Control/SetLocalizationMode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).SetLocalizationMode(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func controlPoseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Pose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/slam.Control/Pose"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Pose(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func controlGetStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).GetState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/slam.Control/GetState"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).GetState(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "slam.Control",
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reset", Handler: controlResetHandler},
		{MethodName: "Shutdown", Handler: controlShutdownHandler},
		{MethodName: "SetLocalizationMode", Handler: controlSetLocalizationModeHandler},
		{MethodName: "Pose", Handler: controlPoseHandler},
		{MethodName: "GetState", Handler: controlGetStateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/api/control.proto",
}

// RegisterControlServer registers srv's control methods on s, the manual
// equivalent of a generated RegisterControlServer function.
func RegisterControlServer(s *grpc.Server, srv controlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// NewGRPCServer builds a *grpc.Server with the control service registered
// against server.
func NewGRPCServer(server *Server) *grpc.Server {
	g := grpc.NewServer()
	RegisterControlServer(g, NewControlService(server))
	return g
}
