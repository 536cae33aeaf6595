package pool

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/jsonrpc"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Version is reported to pools in mining.subscribe.
var Version = "dev"

// Args are the construction arguments shared by every pool backend.
type Args struct {
	Host     string
	Port     string
	Username string
	Password string

	SubmitRetries       int
	SubmitRetryInterval time.Duration

	Stream    jsonrpc.StreamOptions
	Reconnect *retry.Config

	Logger   *log.Logger
	Reporter *stats.Reporter

	// Dial replaces TCP dialing when set. The returned connection must not be
	// started yet.
	Dial func(ctx context.Context) (jsonrpc.Conn, error)
}

// Addr returns host:port.
func (a Args) Addr() string {
	return net.JoinHostPort(a.Host, a.Port)
}

func (a *Args) applyDefaults() {
	if a.SubmitRetries <= 0 {
		a.SubmitRetries = 5
	}
	if a.SubmitRetryInterval <= 0 {
		a.SubmitRetryInterval = 5 * time.Second
	}
	if a.Stream == (jsonrpc.StreamOptions{}) {
		a.Stream = jsonrpc.DefaultStreamOptions()
	}
	if a.Reconnect == nil {
		a.Reconnect = retry.ReconnectConfig()
	}
	if a.Logger == nil {
		a.Logger = log.Nop()
	}
}

// Backend is a pool connection the switcher can manage.
type Backend interface {
	Provider
	Start(ctx context.Context)
	Close()
}

// session is the protocol specific half of a stratum client.
type session interface {
	// onConnected starts the handshake on a fresh connection.
	onConnected(conn jsonrpc.Conn)
	onDisconnected()
	// normalize may rewrite an inbound message before dispatch.
	normalize(msg *jsonrpc.Message)
	submit(conn jsonrpc.Conn, r work.Result, t Template)
}

// shareJudge is implemented by sessions whose pools acknowledge shares with
// something other than a true result.
type shareJudge interface {
	shareAccepted(resp *jsonrpc.Message) bool
}

// client is the connection lifecycle shared by the stratum backends: dial
// with backoff, track liveness on every inbound message, hand out work from
// the job queue and report share outcomes.
type client struct {
	AliveTracker

	algorithm work.Algorithm
	uid       uint64
	args      Args
	logger    *log.Logger
	endpoint  *jsonrpc.Endpoint
	queue     *JobQueue
	records   stats.PoolRecords
	session   session

	mu      sync.Mutex
	current jsonrpc.Conn
	// ready is set once the pool accepted the worker
	ready jsonrpc.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newClient(algorithm work.Algorithm, args Args) *client {
	args.applyDefaults()
	uid := NewPoolUID()
	logger := args.Logger.WithComponent("pool").WithPool(uid, args.Addr())

	c := &client{
		algorithm: algorithm,
		uid:       uid,
		args:      args,
		logger:    logger,
		endpoint:  jsonrpc.NewEndpoint(logger),
		queue:     NewJobQueue(uid, DefaultJobQueueDepth, uint64(rand.Uint32())),
	}
	c.endpoint.SetIncomingHook(func(_ jsonrpc.Conn, msg *jsonrpc.Message) {
		c.Touch()
		c.session.normalize(msg)
	})
	return c
}

// Start connects in the background and keeps reconnecting until Close.
func (c *client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Close disconnects and invalidates every outstanding job handle.
func (c *client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.queue.Close()
}

func (c *client) dial(ctx context.Context) (jsonrpc.Conn, error) {
	if c.args.Dial != nil {
		return c.args.Dial(ctx)
	}
	return jsonrpc.DialStream(ctx, c.args.Addr(), c.logger, c.args.Stream)
}

func (c *client) run(ctx context.Context) {
	defer c.wg.Done()

	cfg := *c.args.Reconnect
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.WithError(err).Warn("connect failed, retrying", "attempt", attempt, "delay", delay)
	}

	for {
		conn, err := retry.DoWithResult(ctx, &cfg, c.dial)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Error("giving up on pool")
			}
			return
		}

		c.mu.Lock()
		c.current = conn
		c.mu.Unlock()

		c.endpoint.Attach(ctx, conn)
		c.Touch()
		c.session.onConnected(conn)

		select {
		case <-conn.Done():
		case <-ctx.Done():
			conn.Close()
		}
		c.disconnected()

		if ctx.Err() != nil {
			return
		}
		c.logger.Info("connection lost, reconnecting")

		t := time.NewTimer(cfg.BaseDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// markReady is called by the session once the worker is authorized.
func (c *client) markReady(conn jsonrpc.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != conn {
		return
	}
	c.ready = conn
	c.records.SetConnected(time.Now())
	c.logger.Info("pool session ready")
}

func (c *client) isReady(conn jsonrpc.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready != nil && c.ready == conn
}

func (c *client) disconnected() {
	c.mu.Lock()
	c.current = nil
	c.ready = nil
	c.mu.Unlock()

	c.records.SetConnected(time.Time{})
	c.queue.Clear()
	c.session.onDisconnected()
}

// OnDeclaredDead drops the current connection; the run loop reconnects.
func (c *client) OnDeclaredDead() {
	c.mu.Lock()
	conn := c.current
	c.mu.Unlock()

	if conn != nil {
		c.logger.Warn("pool declared dead, dropping connection")
		conn.Close()
	}
}

func (c *client) Algorithm() work.Algorithm { return c.algorithm }
func (c *client) PoolUID() uint64           { return c.uid }
func (c *client) Name() string              { return c.args.Addr() }

// Records returns the pool's share counters.
func (c *client) Records() *stats.PoolRecords { return &c.records }

// TryGetWork cuts work from the newest job, waiting briefly for one.
func (c *client) TryGetWork(ctx context.Context) (work.Work, bool) {
	return c.queue.PopWithTimeout(ctx, DefaultPopTimeout)
}

// SubmitWork hands r to the protocol session if its job is still known and
// the pool session is ready.
func (c *client) SubmitWork(r work.Result) {
	if r.Algorithm() != c.algorithm {
		c.logger.Error("result of the wrong algorithm submitted",
			"error", errors.Contract("submit", "%s result for %s pool", r.Algorithm(), c.algorithm))
		return
	}

	t, ok := c.queue.Lookup(r.Handle())
	if !ok {
		c.dropShare("", 0, "job expired")
		return
	}

	c.mu.Lock()
	conn := c.ready
	c.mu.Unlock()
	if conn == nil {
		c.dropShare(t.JobID(), 0, "not connected")
		return
	}
	c.session.submit(conn, r, t)
}

// submitShare sends a share with retries and reports the outcome.
func (c *client) submitShare(conn jsonrpc.Conn, method string, params any, jobID string, difficulty float64) {
	req, err := jsonrpc.NewRequest(method, params)
	if err != nil {
		c.dropShare(jobID, difficulty, err.Error())
		return
	}

	start := time.Now()
	_, err = c.endpoint.CallAsyncRetryNTimes(conn, req, c.args.SubmitRetries, c.args.SubmitRetryInterval,
		func(_ jsonrpc.Conn, resp *jsonrpc.Message) {
			if c.shareAccepted(resp) {
				c.reportShare(jobID, difficulty, stats.ShareAccepted, time.Since(start), "")
				return
			}
			reason := "rejected"
			if resp.Error != nil {
				reason = resp.Error.Message
			}
			c.reportShare(jobID, difficulty, stats.ShareRejected, time.Since(start), reason)
		},
		func(id uint64) {
			c.logger.Info("share discarded after pool did not respond", "share_id", id, "tries", c.args.SubmitRetries)
			c.reportShare(jobID, difficulty, stats.ShareNeverResponded, time.Since(start), "")
		})
	if err != nil {
		c.dropShare(jobID, difficulty, err.Error())
	}
}

func (c *client) shareAccepted(resp *jsonrpc.Message) bool {
	if j, ok := c.session.(shareJudge); ok {
		return j.shareAccepted(resp)
	}
	return resp.ResultTrue()
}

func (c *client) dropShare(jobID string, difficulty float64, reason string) {
	c.logger.Info("work result cannot be submitted", "job_id", jobID, "reason", reason)
	c.reportShare(jobID, difficulty, stats.ShareDropped, 0, reason)
}

func (c *client) reportShare(jobID string, difficulty float64, status stats.ShareStatus, latency time.Duration, reason string) {
	c.records.Record(status, difficulty)
	if status != stats.ShareDropped {
		c.logger.LogShareOutcome(jobID, difficulty, string(status), latency)
	}
	c.args.Reporter.Share(stats.ShareOutcome{
		Time:       time.Now(),
		Pool:       c.Name(),
		PoolUID:    c.uid,
		Algorithm:  c.algorithm.String(),
		JobID:      jobID,
		Difficulty: difficulty,
		Status:     status,
		Reason:     reason,
		Latency:    latency,
	})
}
