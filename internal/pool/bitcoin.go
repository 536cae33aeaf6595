package pool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/jsonrpc"
	"github.com/bardlex/gominer/internal/work"
)

// nonceRangeBits sizes the nonce slice each work unit starts in when the pool
// assigns no extranonce2 bytes.
const nonceRangeBits = 24

type sha256dJob struct {
	id          string
	header      bitcoin.HeaderTemplate
	coinb1      []byte
	coinb2      []byte
	extraNonce1 []byte
	en2Size     int
	branch      []chainhash.Hash

	shareTarget     work.Target
	shareDifficulty float64
	networkTarget   work.Target
}

func (j *sha256dJob) JobID() string { return j.id }

// extraNonce2 encodes n big endian into the pool assigned width, keeping the
// low order bytes when the width is smaller than 8.
func (j *sha256dJob) extraNonce2(n uint64) []byte {
	en2 := make([]byte, j.en2Size)
	for i := len(en2) - 1; i >= 0 && n > 0; i-- {
		en2[i] = byte(n)
		n >>= 8
	}
	return en2
}

func (j *sha256dJob) MakeWork(h work.Handle, extraNonce uint64) work.Work {
	en2 := j.extraNonce2(extraNonce)

	coinbase := make([]byte, 0, len(j.coinb1)+len(j.extraNonce1)+len(en2)+len(j.coinb2))
	coinbase = append(coinbase, j.coinb1...)
	coinbase = append(coinbase, j.extraNonce1...)
	coinbase = append(coinbase, en2...)
	coinbase = append(coinbase, j.coinb2...)

	tmpl := j.header
	tmpl.MerkleRoot = bitcoin.MerkleRootFromBranch(coinbase, j.branch)
	// serializing into an in-memory buffer does not fail
	header, _ := tmpl.Serialize(0)

	w := &work.SHA256dWork{
		Base:            work.NewBase(h),
		Header:          header,
		ShareTarget:     j.shareTarget,
		ShareDifficulty: j.shareDifficulty,
		NetworkTarget:   j.networkTarget,
		ExtraNonce2:     en2,
		NTime:           tmpl.NTime,
	}
	if j.en2Size == 0 {
		// every work unit shares one header; split the nonce space instead
		w.NonceBase = uint32(extraNonce) << nonceRangeBits
	}
	return w
}

// SHA256dStratum is a Bitcoin stratum V1 client.
type SHA256dStratum struct {
	*client

	mu          sync.Mutex
	subscribed  jsonrpc.Conn
	extraNonce1 []byte
	en2Size     int
	difficulty  float64
}

// NewSHA256dStratum creates a stratum V1 pool backend. Call Start to connect.
func NewSHA256dStratum(args Args) Backend {
	p := &SHA256dStratum{client: newClient(work.SHA256d, args), difficulty: 1}
	p.session = p

	for name, h := range map[string]jsonrpc.Handler{
		"mining.notify":         p.onNotify,
		"mining.set_difficulty": p.onSetDifficulty,
	} {
		if err := p.endpoint.Register(name, h); err != nil {
			panic(err)
		}
	}
	return p
}

type subscribeResult struct {
	extraNonce1 []byte
	en2Size     int
}

func parseSubscribeResult(raw json.RawMessage) (subscribeResult, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return subscribeResult{}, fmt.Errorf("subscribe result: %w", err)
	}
	if len(fields) < 3 {
		return subscribeResult{}, fmt.Errorf("subscribe result: expected 3 fields, got %d", len(fields))
	}

	var en1 string
	if err := json.Unmarshal(fields[1], &en1); err != nil {
		return subscribeResult{}, fmt.Errorf("extranonce1: %w", err)
	}
	var res subscribeResult
	var err error
	if res.extraNonce1, err = hex.DecodeString(en1); err != nil {
		return subscribeResult{}, fmt.Errorf("extranonce1: %w", err)
	}
	if err := json.Unmarshal(fields[2], &res.en2Size); err != nil {
		return subscribeResult{}, fmt.Errorf("extranonce2 size: %w", err)
	}
	if res.en2Size < 0 || res.en2Size > 16 {
		return subscribeResult{}, fmt.Errorf("extranonce2 size %d out of range", res.en2Size)
	}
	return res, nil
}

func (p *SHA256dStratum) onConnected(conn jsonrpc.Conn) {
	subscribe, err := jsonrpc.NewRequest("mining.subscribe", []string{"gominer/" + Version})
	if err != nil {
		p.logger.WithError(err).Error("failed to build subscribe request")
		conn.Close()
		return
	}

	_, err = p.endpoint.CallAsync(conn, subscribe, func(conn jsonrpc.Conn, resp *jsonrpc.Message) {
		if resp.IsError() {
			p.logger.Info("mining.subscribe was not accepted", "error", resp.Error)
			return
		}
		res, err := parseSubscribeResult(resp.Result)
		if err != nil {
			p.logger.WithError(err).Warn("malformed subscribe response, reconnecting")
			conn.Close()
			return
		}

		if res.en2Size == 0 {
			p.logger.Warn("pool assigned no extranonce2 space, work units share one header",
				"nonce_range", uint64(1)<<nonceRangeBits)
		}

		p.mu.Lock()
		p.subscribed = conn
		p.extraNonce1 = res.extraNonce1
		p.en2Size = res.en2Size
		p.mu.Unlock()

		p.authorize(conn)
	})
	if err != nil {
		p.logger.WithError(err).Warn("failed to send subscribe")
		conn.Close()
	}
}

func (p *SHA256dStratum) authorize(conn jsonrpc.Conn) {
	req, err := jsonrpc.NewRequest("mining.authorize", []string{p.args.Username, p.args.Password})
	if err != nil {
		p.logger.WithError(err).Error("failed to build authorize request")
		return
	}

	_, err = p.endpoint.CallAsync(conn, req, func(conn jsonrpc.Conn, resp *jsonrpc.Message) {
		if !resp.ResultTrue() {
			p.logger.Warn("worker not authorized", "user", p.args.Username, "error", resp.Error)
			conn.Close()
			return
		}
		p.markReady(conn)
	})
	if err != nil {
		p.logger.WithError(err).Warn("failed to send authorize")
		conn.Close()
	}
}

func (p *SHA256dStratum) onDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = nil
	p.extraNonce1 = nil
	p.en2Size = 0
	p.difficulty = 1
}

func (p *SHA256dStratum) normalize(msg *jsonrpc.Message) {
	if msg.Method == "mining.notify" || msg.Method == "mining.set_difficulty" {
		msg.ID = nil
	}
}

func (p *SHA256dStratum) onSetDifficulty(_ context.Context, _ jsonrpc.Conn, raw json.RawMessage) (any, error) {
	var params []float64
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 1 || params[0] <= 0 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "expected a positive difficulty")
	}

	p.mu.Lock()
	p.difficulty = params[0]
	p.mu.Unlock()
	p.logger.Info("share difficulty changed", "difficulty", params[0])
	return nil, nil
}

// onNotify accepts jobs as soon as the subscription is known, since pools
// commonly send the first job before answering mining.authorize.
func (p *SHA256dStratum) onNotify(_ context.Context, conn jsonrpc.Conn, raw json.RawMessage) (any, error) {
	p.mu.Lock()
	subscribed := p.subscribed != nil && p.subscribed == conn
	en1 := p.extraNonce1
	en2Size := p.en2Size
	difficulty := p.difficulty
	p.mu.Unlock()
	if !subscribed {
		return nil, nil
	}

	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 9 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "expected 9 params")
	}

	job, clean, err := parseSHA256dNotify(params)
	if err != nil {
		p.logger.WithError(err).Warn("malformed mining.notify")
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "%v", err)
	}
	job.extraNonce1 = en1
	job.en2Size = en2Size
	job.shareDifficulty = difficulty
	job.shareTarget = bitcoin.DifficultyToTarget(difficulty)

	p.queue.Push(job, clean)
	p.logger.Debug("new job", "job_id", job.id, "difficulty", difficulty, "clean", clean)
	return nil, nil
}

func parseSHA256dNotify(params []json.RawMessage) (*sha256dJob, bool, error) {
	var (
		jobID, prevHash, coinb1, coinb2 string
		branch                          []string
		version, bits, ntime            string
		clean                           bool
	)
	dst := []any{&jobID, &prevHash, &coinb1, &coinb2, &branch, &version, &bits, &ntime, &clean}
	for i, d := range dst {
		if err := json.Unmarshal(params[i], d); err != nil {
			return nil, false, fmt.Errorf("param %d: %w", i, err)
		}
	}

	job := &sha256dJob{id: jobID}
	var err error
	if job.header.PrevBlock, err = bitcoin.ParsePrevHash(prevHash); err != nil {
		return nil, false, err
	}
	if job.coinb1, err = hex.DecodeString(coinb1); err != nil {
		return nil, false, fmt.Errorf("coinb1: %w", err)
	}
	if job.coinb2, err = hex.DecodeString(coinb2); err != nil {
		return nil, false, fmt.Errorf("coinb2: %w", err)
	}
	if job.branch, err = bitcoin.ParseBranch(branch); err != nil {
		return nil, false, err
	}

	v, err := bitcoin.ParseHexUint32(version)
	if err != nil {
		return nil, false, fmt.Errorf("version: %w", err)
	}
	job.header.Version = int32(v)
	if job.header.Bits, err = bitcoin.ParseHexUint32(bits); err != nil {
		return nil, false, fmt.Errorf("nbits: %w", err)
	}
	if job.header.NTime, err = bitcoin.ParseHexUint32(ntime); err != nil {
		return nil, false, fmt.Errorf("ntime: %w", err)
	}
	job.networkTarget = bitcoin.CompactToTarget(job.header.Bits)
	return job, clean, nil
}

func (p *SHA256dStratum) submit(conn jsonrpc.Conn, r work.Result, t Template) {
	res, err := work.ResultAs[*work.SHA256dResult](r)
	if err != nil {
		p.logger.WithError(err).Error("cannot submit result")
		return
	}
	if res.Block {
		p.logger.Info("share also meets the network target", "job_id", t.JobID())
	}

	params := []string{
		p.args.Username,
		t.JobID(),
		hex.EncodeToString(res.ExtraNonce2),
		bitcoin.FormatHexUint32(res.NTime),
		bitcoin.FormatHexUint32(res.Nonce),
	}
	p.submitShare(conn, "mining.submit", params, t.JobID(), res.ShareDifficulty)
}
