package main

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"gosuda.org/ivory/rpc"
	"gosuda.org/ivory/rpc/proto"
)

type statsReply struct {
	Connections int64  `json:"connections"`
	Started     string `json:"started"`
	Uptime      string `json:"uptime"`
	Services    int    `json:"services"`
}

// newServiceMux registers the built-in services. connections reports the
// live session count.
func newServiceMux(started time.Time, connections func() int64) *rpc.ServeMux {
	mux := rpc.NewServeMux()

	mux.HandleFunc("Echo.Say", func(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
		return &rpc.Response{Payload: req.Payload}, nil
	})

	mux.HandleFunc("Echo.Reverse", func(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
		out := []rune(string(req.Payload))
		slices.Reverse(out)
		return &rpc.Response{Payload: []byte(string(out))}, nil
	})

	mux.HandleFunc("Time.Now", func(context.Context, *rpc.Request) (*rpc.Response, error) {
		return &rpc.Response{Payload: []byte(time.Now().UTC().Format(time.RFC3339Nano))}, nil
	})

	mux.HandleFunc("Server.Stats", func(context.Context, *rpc.Request) (*rpc.Response, error) {
		body, err := json.Marshal(statsReply{
			Connections: connections(),
			Started:     humanize.Time(started),
			Uptime:      time.Since(started).Round(time.Second).String(),
			Services:    len(mux.Paths()),
		})
		if err != nil {
			return nil, rpc.Errorf(proto.StatusInternal, "encode stats: %v", err)
		}
		return &rpc.Response{
			Metadata: map[string]string{"content-type": "application/json"},
			Payload:  body,
		}, nil
	})

	mux.HandleFunc("Log.Write", func(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
		if len(req.Payload) == 0 {
			return nil, rpc.Errorf(proto.StatusInvalidArgument, "empty log line")
		}
		log.Info().
			Stringer("peer", req.Peer).
			Bool("notify", req.Notify).
			Str("line", string(req.Payload)).
			Msg("[service] log")
		return &rpc.Response{}, nil
	})

	return mux
}
