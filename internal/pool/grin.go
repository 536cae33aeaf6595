package pool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/jsonrpc"
	"github.com/bardlex/gominer/internal/work"
)

const (
	grinEdgeBits = 31
	// grinInvalidShare is the error code grin pools answer a malformed proof with.
	grinInvalidShare = -32502
)

// grinJob is the payload of getjobtemplate results and job notifications.
type grinJob struct {
	Height     uint64 `json:"height"`
	JobID      uint64 `json:"job_id"`
	Difficulty uint64 `json:"difficulty"`
	PrePow     string `json:"pre_pow"`
}

type grinLogin struct {
	Agent string `json:"agent"`
	Login string `json:"login"`
	Pass  string `json:"pass"`
}

type grinSubmit struct {
	EdgeBits uint8    `json:"edge_bits"`
	Height   uint64   `json:"height"`
	JobID    uint64   `json:"job_id"`
	Nonce    uint64   `json:"nonce"`
	Pow      []uint32 `json:"pow"`
}

type cuckatooJob struct {
	jobID    uint64
	template work.CuckatooWork
}

func (j *cuckatooJob) JobID() string { return strconv.FormatUint(j.jobID, 10) }

func (j *cuckatooJob) MakeWork(h work.Handle, extraNonce uint64) work.Work {
	w := j.template
	w.Base = work.NewBase(h)
	w.Nonce = extraNonce
	return &w
}

// GrinStratum speaks the grin stratum dialect: login, getjobtemplate, then
// job notifications keyed by block height. Ids travel as strings.
type GrinStratum struct {
	*client

	// loginRetry is the pause before a refused login is sent again.
	loginRetry time.Duration

	mu       sync.Mutex
	loggedIn jsonrpc.Conn
	height   uint64
}

// NewGrinStratum creates a Cuckatoo31 pool backend. Call Start to connect.
func NewGrinStratum(args Args) Backend {
	p := &GrinStratum{client: newClient(work.Cuckatoo31, args), loginRetry: time.Second}
	p.session = p
	p.endpoint.SetStringIDs(true)

	if err := p.endpoint.Register("job", p.onJob); err != nil {
		panic(err)
	}
	return p
}

func (p *GrinStratum) onConnected(conn jsonrpc.Conn) {
	req, err := jsonrpc.NewRequest("login", grinLogin{
		Agent: "gominer/" + Version,
		Login: p.args.Username,
		Pass:  p.args.Password,
	})
	if err != nil {
		p.logger.WithError(err).Error("failed to build login request")
		conn.Close()
		return
	}

	_, err = p.endpoint.CallAsync(conn, req, func(conn jsonrpc.Conn, resp *jsonrpc.Message) {
		if resp.IsError() {
			p.logger.Info("login refused, retrying", "error", resp.Error, "delay", p.loginRetry)
			conn.AfterFunc(p.loginRetry, func() { p.onConnected(conn) })
			return
		}

		p.mu.Lock()
		p.loggedIn = conn
		p.mu.Unlock()
		p.getJobTemplate(conn)
	})
	if err != nil {
		p.logger.WithError(err).Warn("failed to send login")
		conn.Close()
	}
}

func (p *GrinStratum) getJobTemplate(conn jsonrpc.Conn) {
	req, err := jsonrpc.NewRequest("getjobtemplate", nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to build getjobtemplate request")
		return
	}

	_, err = p.endpoint.CallAsync(conn, req, func(conn jsonrpc.Conn, resp *jsonrpc.Message) {
		if resp.IsError() {
			p.logger.Warn("getjobtemplate failed", "error", resp.Error)
			return
		}
		var job grinJob
		if err := json.Unmarshal(resp.Result, &job); err != nil {
			p.logger.WithError(err).Warn("malformed job template")
			return
		}
		if err := p.pushJob(job); err != nil {
			p.logger.WithError(err).Warn("malformed job template")
			return
		}
		p.markReady(conn)
	})
	if err != nil {
		p.logger.WithError(err).Warn("failed to send getjobtemplate")
		conn.Close()
	}
}

func (p *GrinStratum) onDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = nil
	p.height = 0
}

func (p *GrinStratum) normalize(msg *jsonrpc.Message) {
	// job is a notification even when the pool attaches an id
	if msg.Method == "job" {
		msg.ID = nil
	}
}

func (p *GrinStratum) onJob(_ context.Context, conn jsonrpc.Conn, raw json.RawMessage) (any, error) {
	p.mu.Lock()
	loggedIn := p.loggedIn != nil && p.loggedIn == conn
	p.mu.Unlock()
	if !loggedIn {
		return nil, nil
	}

	var job grinJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "expected a job object")
	}
	if err := p.pushJob(job); err != nil {
		p.logger.WithError(err).Warn("malformed job")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
	}
	return nil, nil
}

// pushJob queues job. A new height makes every older job stale.
func (p *GrinStratum) pushJob(job grinJob) error {
	prePow, err := hex.DecodeString(strings.TrimPrefix(job.PrePow, "0x"))
	if err != nil {
		return fmt.Errorf("pre_pow: %w", err)
	}
	if len(prePow) == 0 {
		return fmt.Errorf("pre_pow: empty")
	}

	p.mu.Lock()
	clean := p.height != job.Height
	p.height = job.Height
	p.mu.Unlock()

	p.queue.Push(&cuckatooJob{
		jobID: job.JobID,
		template: work.CuckatooWork{
			PrePow:     prePow,
			Height:     job.Height,
			Difficulty: job.Difficulty,
			EdgeBits:   grinEdgeBits,
		},
	}, clean)
	p.logger.Debug("new job", "job_id", job.JobID, "height", job.Height, "difficulty", job.Difficulty, "clean", clean)
	return nil
}

func (p *GrinStratum) submit(conn jsonrpc.Conn, r work.Result, t Template) {
	res, err := work.ResultAs[*work.CuckatooResult](r)
	if err != nil {
		p.logger.WithError(err).Error("cannot submit result")
		return
	}
	job, ok := t.(*cuckatooJob)
	if !ok {
		p.logger.Error("result refers to a job of another pool type", "job_id", t.JobID())
		return
	}

	params := grinSubmit{
		EdgeBits: res.EdgeBits,
		Height:   job.template.Height,
		JobID:    job.jobID,
		Nonce:    res.Nonce,
		Pow:      append([]uint32(nil), res.Pow[:]...),
	}
	p.submitShare(conn, "submit", params, job.JobID(), float64(job.template.Difficulty))
}

// shareAccepted reports the "ok" result grin pools acknowledge shares with.
func (p *GrinStratum) shareAccepted(resp *jsonrpc.Message) bool {
	if resp.Error != nil {
		if resp.Error.Code == grinInvalidShare {
			p.logger.Error("pool reports an invalid proof", "error", resp.Error)
		}
		return false
	}
	var result string
	return json.Unmarshal(resp.Result, &result) == nil && result == "ok"
}
