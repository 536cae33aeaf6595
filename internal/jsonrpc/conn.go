package jsonrpc

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Conn is a message oriented connection. Messages handed to the on-receive
// callback are delivered one at a time, in arrival order.
type Conn interface {
	// Send queues msg for writing. It fails once the connection is done.
	Send(msg *Message) error
	// SetOnReceive installs the inbound callback. Call before Start.
	SetOnReceive(fn func(*Message))
	// AfterFunc runs f after d unless the connection is done by then. The
	// returned function cancels the timer.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
	// Start begins delivering messages. The connection closes when ctx ends.
	Start(ctx context.Context)
	Close()
	Done() <-chan struct{}
	RemoteAddr() string
}

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New(errors.ErrorTypeNetwork, "send", "connection closed")

func afterFunc(done <-chan struct{}, d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, func() {
		select {
		case <-done:
			return
		default:
		}
		f()
	})
	return t.Stop
}

// StreamOptions tunes a StreamConn.
type StreamOptions struct {
	// ReadTimeout closes the connection when nothing arrives for this long.
	// Zero disables it.
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxLineSize   int
	OutboundQueue int
}

// DefaultStreamOptions returns the options used by pool clients.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		ReadTimeout:   0,
		WriteTimeout:  10 * time.Second,
		MaxLineSize:   64 * 1024,
		OutboundQueue: 100,
	}
}

// StreamConn carries newline delimited JSON over a net.Conn.
type StreamConn struct {
	conn   net.Conn
	logger *log.Logger
	opts   StreamOptions

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.RWMutex
	onReceive func(*Message)
}

// NewStreamConn wraps conn. Nothing is read or written until Start.
func NewStreamConn(conn net.Conn, logger *log.Logger, opts StreamOptions) *StreamConn {
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = DefaultStreamOptions().MaxLineSize
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = DefaultStreamOptions().OutboundQueue
	}
	return &StreamConn{
		conn:     conn,
		logger:   logger.WithFields("remote_addr", conn.RemoteAddr().String()),
		opts:     opts,
		outbound: make(chan []byte, opts.OutboundQueue),
		done:     make(chan struct{}),
	}
}

// DialStream opens a TCP connection to addr and wraps it. The connection is
// not started.
func DialStream(ctx context.Context, addr string, logger *log.Logger, opts StreamOptions) (*StreamConn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "dial", "failed to connect to "+addr)
	}
	return NewStreamConn(nc, logger, opts), nil
}

// SetOnReceive installs the inbound callback.
func (s *StreamConn) SetOnReceive(fn func(*Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = fn
}

// Start launches the read and write loops.
func (s *StreamConn) Start(ctx context.Context) {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop()
	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

func (s *StreamConn) readLoop() {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), s.opts.MaxLineSize)

	for {
		if s.opts.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set read deadline")
				return
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				select {
				case <-s.done:
				default:
					s.logger.WithError(err).Warn("read failed")
				}
				return
			}
			s.logger.Info("remote closed connection")
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.logger.LogRPCMessage("received", line)

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Warn("failed to parse message")
			if sendErr := s.Send(NewErrorResponse(nil, NewError(CodeParseError, "Parse error"))); sendErr != nil {
				s.logger.WithError(sendErr).Debug("failed to send parse error")
			}
			continue
		}

		s.mu.RLock()
		fn := s.onReceive
		s.mu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (s *StreamConn) writeLoop() {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.opts.WriteTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
					s.logger.WithError(err).Error("failed to set write deadline")
					s.Close()
					return
				}
			}

			if _, err := s.conn.Write(append(data, '\n')); err != nil {
				s.logger.WithError(err).Warn("failed to write message")
				s.Close()
				return
			}
			s.logger.LogRPCMessage("sent", data)
		}
	}
}

// Send queues msg without blocking.
func (s *StreamConn) Send(msg *Message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	data, err := MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "send", "failed to marshal message")
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		return errors.New(errors.ErrorTypeNetwork, "send", "outbound queue full")
	}
}

// AfterFunc schedules f unless the connection closes first.
func (s *StreamConn) AfterFunc(d time.Duration, f func()) func() bool {
	return afterFunc(s.done, d, f)
}

// Close shuts the connection down. Safe to call more than once.
func (s *StreamConn) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// unblocks the scanner
		_ = s.conn.SetReadDeadline(time.Now())
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed once the connection is shut down.
func (s *StreamConn) Done() <-chan struct{} {
	return s.done
}

// RemoteAddr returns the peer address.
func (s *StreamConn) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
