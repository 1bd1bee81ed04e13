package hl7v2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxFrame       = 1 << 20
	defaultMaxConnections = 64
	mllpIdleTimeout       = 30 * time.Second
	mllpWriteTimeout      = 10 * time.Second
)

// MessageHandler handles one received message and returns the
// acknowledgement to write back. A nil return sends nothing.
type MessageHandler func(raw []byte, msg *Message) *Message

// MLLPServer accepts HL7v2 messages over MLLP on TCP. Connections are
// served concurrently up to a limit; messages on one connection are
// handled in order.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	maxFrame int
	slots    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// MLLPOption configures an MLLPServer.
type MLLPOption func(*MLLPServer)

// WithMaxFrameSize caps the size of a single message. Larger frames close
// the connection.
func WithMaxFrameSize(n int) MLLPOption {
	return func(s *MLLPServer) { s.maxFrame = n }
}

// WithMaxConnections caps concurrently served connections. Further
// connections wait in the accept queue.
func WithMaxConnections(n int) MLLPOption {
	return func(s *MLLPServer) { s.slots = semaphore.NewWeighted(int64(n)) }
}

// NewMLLPServer returns a server for addr that passes every message to
// handler.
func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger, opts ...MLLPOption) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MLLPServer{
		addr:     addr,
		handler:  handler,
		logger:   logger.With().Str("component", "mllp").Logger(),
		maxFrame: defaultMaxFrame,
		slots:    semaphore.NewWeighted(defaultMaxConnections),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on the configured address and accepts in the background.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("MLLP listener started")

	s.wg.Add(1)
	go s.serve(ln)
	return nil
}

// Stop closes the listener and all connections and waits for in-flight
// handlers to return.
func (s *MLLPServer) Stop() error {
	s.cancel()
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr is the bound address, which differs from the configured one when
// listening on port 0.
func (s *MLLPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		if err := s.slots.Acquire(s.ctx, 1); err != nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			s.slots.Release(1)
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			s.slots.Release(1)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			defer s.untrack(conn)
			s.serveConn(conn)
		}()
	}
}

// track registers conn unless the server is stopping.
func (s *MLLPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *MLLPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// serveConn handles frames until the peer disconnects, idles out or sends
// an oversized frame.
func (s *MLLPServer) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	frames := newFrameReader(conn, s.maxFrame)
	for {
		conn.SetReadDeadline(time.Now().Add(mllpIdleTimeout))
		raw, err := frames.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), s.ctx.Err() != nil:
			case errors.Is(err, ErrFrameTooLarge):
				s.logger.Warn().Str("remote", remote).Int("limit", s.maxFrame).Msg("oversized frame, closing connection")
			default:
				s.logger.Debug().Err(err).Str("remote", remote).Msg("connection closed")
			}
			return
		}
		if ack := s.dispatch(raw); ack != nil {
			conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
			if _, err := conn.Write(FrameMessage(SerializeMessage(ack))); err != nil {
				s.logger.Error().Err(err).Str("remote", remote).Msg("write ACK failed")
				return
			}
		}
	}
}

// dispatch rejects frames that do not parse and hands the rest to the
// handler.
func (s *MLLPServer) dispatch(raw []byte) *Message {
	msg, err := Parse(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting unparsable message")
		return GenerateACK(&Message{}, AckReject, err.Error())
	}
	return s.handler(raw, msg)
}
