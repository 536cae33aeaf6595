package api

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/jsonrpc"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/log"
)

type poolTable []stats.PoolStatus

func (t poolTable) Pools() []stats.PoolStatus { return t }

type deviceTable []stats.DeviceStatus

func (t deviceTable) Devices() []stats.DeviceStatus { return t }

func testServer(t *testing.T) *Server {
	t.Helper()
	c := &stats.Collector{}
	c.AddPools(poolTable{
		{Algorithm: "ethash", Index: 0, Name: "a:1", Active: true},
		{Algorithm: "ethash", Index: 1, Name: "b:1"},
		{Algorithm: "sha256d", Index: 0, Name: "c:1", Active: true},
	})
	c.AddDevices(deviceTable{{Index: 0, Name: "cpu0", Algorithm: "sha256d"}})

	s, err := NewServer(c, "1.2.3", log.Nop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

// call attaches a client over an in-memory pipe and waits for the response.
func call(t *testing.T, s *Server, method string, params any) *jsonrpc.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clientSide, serverSide := jsonrpc.Pipe()
	s.endpoint.Attach(ctx, serverSide)
	client := jsonrpc.NewEndpoint(log.Nop())
	client.Attach(ctx, clientSide)

	req, err := jsonrpc.NewRequest(method, params)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	got := make(chan *jsonrpc.Message, 1)
	if _, err := client.CallAsync(clientSide, req, func(_ jsonrpc.Conn, msg *jsonrpc.Message) {
		got <- msg
	}); err != nil {
		t.Fatalf("CallAsync() error = %v", err)
	}

	select {
	case msg := <-got:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no response to %s", method)
		return nil
	}
}

func TestServer_Ping(t *testing.T) {
	s := testServer(t)
	for _, params := range []any{nil, []any{}, map[string]any{}} {
		msg := call(t, s, MethodPing, params)
		if msg.IsError() {
			t.Fatalf("ping(%v) error = %v", params, msg.Error)
		}
		var res PingResult
		if err := msg.DecodeResult(&res); err != nil {
			t.Fatalf("DecodeResult() error = %v", err)
		}
		if !res.Pong || res.Version != "1.2.3" {
			t.Errorf("ping(%v) = %+v", params, res)
		}
	}
}

func TestServer_GetPoolStats(t *testing.T) {
	tests := []struct {
		name   string
		params any
		want   []string
	}{
		{"no params", nil, []string{"a:1", "b:1", "c:1"}},
		{"named", map[string]string{"algorithm": "ethash"}, []string{"a:1", "b:1"}},
		{"positional", []string{"sha256d"}, []string{"c:1"}},
		{"empty positional", []string{}, []string{"a:1", "b:1", "c:1"}},
		{"unknown algorithm", []string{"scrypt"}, []string{}},
	}

	s := testServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := call(t, s, MethodGetPoolStats, tt.params)
			if msg.IsError() {
				t.Fatalf("getPoolStats error = %v", msg.Error)
			}
			var pools []stats.PoolStatus
			if err := msg.DecodeResult(&pools); err != nil {
				t.Fatalf("DecodeResult() error = %v", err)
			}
			if len(pools) != len(tt.want) {
				t.Fatalf("getPoolStats = %d rows, want %d", len(pools), len(tt.want))
			}
			for i, p := range pools {
				if p.Name != tt.want[i] {
					t.Errorf("pools[%d].Name = %q, want %q", i, p.Name, tt.want[i])
				}
			}
		})
	}
}

func TestServer_GetDeviceStats(t *testing.T) {
	s := testServer(t)
	msg := call(t, s, MethodGetDeviceStats, nil)
	var devices []stats.DeviceStatus
	if err := msg.DecodeResult(&devices); err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "cpu0" {
		t.Errorf("getDeviceStats = %+v", devices)
	}
}

func TestServer_InvalidParams(t *testing.T) {
	s := testServer(t)
	msg := call(t, s, MethodGetPoolStats, 42)
	if !msg.IsError() || msg.Error.Code != jsonrpc.CodeInvalidParams {
		t.Errorf("getPoolStats(42) = %+v, want invalid params", msg)
	}

	msg = call(t, s, "getShares", nil)
	if !msg.IsError() || msg.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("getShares = %+v, want method not found", msg)
	}
}

func TestFilter_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"algorithm":"ethash"}`, "ethash", false},
		{`["sha256d"]`, "sha256d", false},
		{`[]`, "", false},
		{`{}`, "", false},
		{`"ethash"`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var f Filter
			err := json.Unmarshal([]byte(tt.in), &f)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if f.Algorithm != tt.want {
				t.Errorf("Algorithm = %q, want %q", f.Algorithm, tt.want)
			}
		})
	}
}

func TestServer_ServeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testServer(t)
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx, ln) }()

	client := jsonrpc.NewEndpoint(log.Nop())
	conn, err := client.Dial(ctx, ln.Addr().String(), jsonrpc.DefaultStreamOptions())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	req, _ := jsonrpc.NewRequest(MethodGetStatus, nil)
	got := make(chan stats.StatusSnapshot, 1)
	if _, err := client.CallAsync(conn, req, func(_ jsonrpc.Conn, msg *jsonrpc.Message) {
		var snap stats.StatusSnapshot
		_ = msg.DecodeResult(&snap)
		got <- snap
	}); err != nil {
		t.Fatalf("CallAsync() error = %v", err)
	}

	select {
	case snap := <-got:
		if len(snap.Pools) != 3 || len(snap.Devices) != 1 {
			t.Errorf("getStatus = %d pools, %d devices", len(snap.Pools), len(snap.Devices))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response over TCP")
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Serve() did not return after cancel")
	}
}
