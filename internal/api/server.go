// Package api serves the miner status over JSON-RPC: the pool table, the
// device table and a liveness ping. It uses the same line delimited JSON-RPC
// transport as the pool connections.
package api

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/bardlex/gominer/internal/jsonrpc"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Method names
const (
	MethodPing           = "ping"
	MethodGetPoolStats   = "getPoolStats"
	MethodGetDeviceStats = "getDeviceStats"
	MethodGetStatus      = "getStatus"
)

// Filter selects rows by algorithm. An empty algorithm matches all rows.
// Params may be given by name, {"algorithm":"ethash"}, or by position,
// ["ethash"].
type Filter struct {
	Algorithm string `json:"algorithm,omitempty"`
}

// UnmarshalJSON accepts both params forms.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var positional []string
	if err := json.Unmarshal(data, &positional); err == nil {
		if len(positional) > 0 {
			f.Algorithm = positional[0]
		}
		return nil
	}
	type named Filter
	return json.Unmarshal(data, (*named)(f))
}

// PingResult answers ping.
type PingResult struct {
	Pong    bool      `json:"pong"`
	Version string    `json:"version"`
	Uptime  string    `json:"uptime"`
	Time    time.Time `json:"time"`
}

// Server answers status queries from a stats.Collector.
type Server struct {
	endpoint  *jsonrpc.Endpoint
	collector *stats.Collector
	logger    *log.Logger
	version   string
	started   time.Time
	opts      jsonrpc.StreamOptions
}

// NewServer creates a server and registers its methods.
func NewServer(collector *stats.Collector, version string, logger *log.Logger) (*Server, error) {
	logger = logger.WithComponent("api")
	s := &Server{
		endpoint:  jsonrpc.NewEndpoint(logger),
		collector: collector,
		logger:    logger,
		version:   version,
		started:   time.Now(),
		opts:      jsonrpc.DefaultStreamOptions(),
	}

	methods := map[string]jsonrpc.Handler{
		MethodPing:           jsonrpc.Func(s.ping),
		MethodGetPoolStats:   jsonrpc.Func(s.getPoolStats),
		MethodGetDeviceStats: jsonrpc.Func(s.getDeviceStats),
		MethodGetStatus:      jsonrpc.Func(s.getStatus),
	}
	for name, h := range methods {
		if err := s.endpoint.Register(name, h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "api_listen", "failed to listen").
			WithContext("addr", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts API clients on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	return s.endpoint.Serve(ctx, ln, s.opts)
}

func (s *Server) ping(context.Context, jsonrpc.Conn, json.RawMessage) (PingResult, error) {
	now := time.Now()
	return PingResult{
		Pong:    true,
		Version: s.version,
		Uptime:  now.Sub(s.started).Round(time.Second).String(),
		Time:    now.UTC(),
	}, nil
}

func (s *Server) getPoolStats(_ context.Context, _ jsonrpc.Conn, f Filter) ([]stats.PoolStatus, error) {
	return s.collector.Pools(f.Algorithm), nil
}

func (s *Server) getDeviceStats(_ context.Context, _ jsonrpc.Conn, f Filter) ([]stats.DeviceStatus, error) {
	return s.collector.Devices(f.Algorithm), nil
}

func (s *Server) getStatus(context.Context, jsonrpc.Conn, json.RawMessage) (stats.StatusSnapshot, error) {
	return s.collector.Snapshot(time.Now()), nil
}
