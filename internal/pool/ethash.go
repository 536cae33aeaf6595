package pool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bardlex/gominer/internal/jsonrpc"
	"github.com/bardlex/gominer/internal/work"
)

type ethashJob struct {
	id       string
	template work.EthashWork
}

func (j *ethashJob) JobID() string { return j.id }

func (j *ethashJob) MakeWork(h work.Handle, extraNonce uint64) work.Work {
	w := j.template
	w.Base = work.NewBase(h)
	w.ExtraNonce = uint32(extraNonce)
	return &w
}

// EthashStratum speaks the ethproxy flavoured stratum used by Ethash pools:
// subscribe, authorize, then a stream of mining.notify jobs.
type EthashStratum struct {
	*client
}

// NewEthashStratum creates an Ethash pool backend. Call Start to connect.
func NewEthashStratum(args Args) Backend {
	p := &EthashStratum{client: newClient(work.Ethash, args)}
	p.session = p

	if err := p.endpoint.Register("mining.notify", p.onNotify); err != nil {
		panic(err)
	}
	return p
}

func (p *EthashStratum) onConnected(conn jsonrpc.Conn) {
	subscribe, err := jsonrpc.NewRequest("mining.subscribe", []any{"gominer", Version})
	if err != nil {
		p.logger.WithError(err).Error("failed to build subscribe request")
		conn.Close()
		return
	}

	_, err = p.endpoint.CallAsync(conn, subscribe, func(conn jsonrpc.Conn, resp *jsonrpc.Message) {
		if resp.IsError() || len(resp.Result) == 0 || string(resp.Result) == "null" || string(resp.Result) == "false" {
			p.logger.Info("mining.subscribe was not accepted", "response", string(resp.Result), "error", resp.Error)
			return
		}
		p.authorize(conn)
	})
	if err != nil {
		p.logger.WithError(err).Warn("failed to send subscribe")
		conn.Close()
	}
}

func (p *EthashStratum) authorize(conn jsonrpc.Conn) {
	req, err := jsonrpc.NewRequest("mining.authorize", []string{p.args.Username, p.args.Password})
	if err != nil {
		p.logger.WithError(err).Error("failed to build authorize request")
		return
	}

	_, err = p.endpoint.CallAsync(conn, req, func(conn jsonrpc.Conn, resp *jsonrpc.Message) {
		if !resp.ResultTrue() {
			p.logger.Warn("mining.authorize did not return true, accepting jobs anyway", "error", resp.Error)
		}
		p.markReady(conn)
	})
	if err != nil {
		p.logger.WithError(err).Warn("failed to send authorize")
		conn.Close()
	}
}

func (p *EthashStratum) onDisconnected() {}

func (p *EthashStratum) normalize(msg *jsonrpc.Message) {
	// some pools send notify with an id; it must never be answered
	if msg.Method == "mining.notify" {
		msg.ID = nil
	}
}

func (p *EthashStratum) onNotify(_ context.Context, conn jsonrpc.Conn, raw json.RawMessage) (any, error) {
	if !p.isReady(conn) {
		return nil, nil
	}

	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 4 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "expected at least 4 params")
	}

	job, clean, err := parseEthashNotify(params)
	if err != nil {
		p.logger.WithError(err).Warn("malformed mining.notify")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
	}

	p.queue.Push(job, clean)
	p.logger.Debug("new job", "job_id", job.id, "epoch", job.template.Epoch,
		"difficulty", job.template.JobDifficulty, "clean", clean)
	return nil, nil
}

func parseEthashNotify(params []json.RawMessage) (*ethashJob, bool, error) {
	var jobID, header, seed, target string
	for i, dst := range []*string{&jobID, &header, &seed, &target} {
		if err := json.Unmarshal(params[i], dst); err != nil {
			return nil, false, fmt.Errorf("param %d: %w", i, err)
		}
	}

	var clean bool
	if len(params) > 4 {
		if err := json.Unmarshal(params[4], &clean); err != nil {
			return nil, false, fmt.Errorf("clean flag: %w", err)
		}
	}

	job := &ethashJob{id: jobID}
	var err error
	if job.template.Header, err = decodeHash(header, false); err != nil {
		return nil, false, fmt.Errorf("header: %w", err)
	}
	if job.template.SeedHash, err = decodeHash(seed, false); err != nil {
		return nil, false, fmt.Errorf("seed hash: %w", err)
	}
	jobTarget, err := decodeHash(target, true)
	if err != nil {
		return nil, false, fmt.Errorf("target: %w", err)
	}

	epoch, ok := work.EpochFromSeed(job.template.SeedHash)
	if !ok {
		return nil, false, fmt.Errorf("seed hash %x matches no epoch below %d", job.template.SeedHash, work.MaxEpoch)
	}
	job.template.Epoch = epoch
	job.template.SetTargets(jobTarget)
	return job, clean, nil
}

// decodeHash parses 0x prefixed hex into 32 bytes. Short values are accepted
// only when leftPad is set and are treated as big endian numbers.
func decodeHash(s string, leftPad bool) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) > 32 || (!leftPad && len(raw) != 32) {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[32-len(raw):], raw)
	return out, nil
}

func (p *EthashStratum) submit(conn jsonrpc.Conn, r work.Result, t Template) {
	res, err := work.ResultAs[*work.EthashResult](r)
	if err != nil {
		p.logger.WithError(err).Error("cannot submit result")
		return
	}

	params := []string{
		p.args.Username,
		t.JobID(),
		fmt.Sprintf("0x%016x", res.Nonce),
		"0x" + hex.EncodeToString(res.Header[:]),
		"0x" + hex.EncodeToString(res.MixHash[:]),
	}
	p.submitShare(conn, "mining.submit", params, t.JobID(), res.JobDifficulty)
}
