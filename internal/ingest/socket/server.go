package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rxjournal/internal/hashroute"
	"rxjournal/internal/journal"
	"rxjournal/internal/recorder"
)

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit, LaneCount    int
	TLSConfig                                   *tls.Config
}

// Server serves the framed journal protocol. Requests for the same
// filter are funneled through one lane, so concurrent producers cannot
// interleave a single stream's lifecycle out of order.
type Server struct {
	cfg     Config
	engine  Engine
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	laneQ   []chan queuedRequest
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}
type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
}

func NewServer(cfg Config, engine Engine) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.LaneCount <= 0 {
		cfg.LaneCount = hashroute.DefaultLaneCount
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	s := &Server{cfg: cfg, engine: engine, globalQ: make(chan struct{}, cfg.GlobalQueueLimit), laneQ: make([]chan queuedRequest, cfg.LaneCount)}
	for i := range s.laneQ {
		s.laneQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	for i := range s.laneQ {
		s.wg.Add(1)
		go s.runLaneWorker(s.laneQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, q := range s.laneQ {
		close(q)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() { defer s.wg.Done(); defer raw.Close(); defer close(conn.writerQ); s.readLoop(ctx, conn) }()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "server queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.laneQ[s.laneFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "lane queue overloaded"})
		}
	}
}

func (s *Server) runLaneWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req)
		req.release()
		s.send(req.conn, res)
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func (s *Server) laneFor(req *SocketRequest) int {
	if req.Record != nil && req.Record.Emission != nil {
		return hashroute.LaneForFilter(req.Record.Emission.Filter, s.cfg.LaneCount)
	}
	if req.RecordBatch != nil && len(req.RecordBatch.Emissions) > 0 {
		return hashroute.LaneForFilter(req.RecordBatch.Emissions[0].Filter, s.cfg.LaneCount)
	}
	return 0
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.engine.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationRecord:
		if req.Record == nil || req.Record.Emission == nil {
			return badReq(req, "record emission required")
		}
		return s.recordEmissions(ctx, req, res, []*Emission{req.Record.Emission})
	case OperationRecordBatch:
		if req.RecordBatch == nil || len(req.RecordBatch.Emissions) == 0 {
			return badReq(req, "record_batch emissions required")
		}
		return s.recordEmissions(ctx, req, res, req.RecordBatch.Emissions)
	case OperationReplay:
		if req.Replay == nil {
			return badReq(req, "replay query required")
		}
		entries, err := s.engine.Replay(ctx, req.Replay.Filter)
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
			return res
		}
		res.Replay = toReplayResponse(entries)
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func (s *Server) recordEmissions(ctx context.Context, req *SocketRequest, res *SocketResponse, emissions []*Emission) *SocketResponse {
	for _, em := range emissions {
		status, err := StatusFromWire(em.Status)
		if err != nil {
			return badReq(req, err.Error())
		}
		if err := s.engine.Record(ctx, status, em.Filter, em.Payload); err != nil {
			res.ErrorCode, res.ErrorMessage = int32(recordErrorCode(err)), err.Error()
			return res
		}
	}
	res.Record = &RecordResponse{Accepted: true}
	return res
}

func recordErrorCode(err error) ErrorCode {
	if errors.Is(err, ErrStreamOpen) || errors.Is(err, ErrNoStream) || errors.Is(err, recorder.ErrSessionDone) {
		return ErrorCodeBadRequest
	}
	return ErrorCodeInternal
}

func toReplayResponse(entries []journal.Entry) *ReplayResponse {
	out := &ReplayResponse{}
	for _, e := range entries {
		out.Entries = append(out.Entries, &JournalEntry{
			Sequence: e.Sequence,
			TimeMs:   e.TimeMs,
			Status:   StatusToWire(e.Status),
			Filter:   e.Filter,
			Payload:  e.Payload,
		})
	}
	return out
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
