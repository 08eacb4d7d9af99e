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

	"github.com/hashicorp/go-hclog"

	"routeflow/internal/domain"
	"routeflow/internal/logging"
	"routeflow/internal/storage"
)

// Capture stores captured changes atomically and returns their ids.
type Capture interface {
	AppendChanges(ctx context.Context, changes []domain.CapturedChange) ([]int64, error)
}

// Admin exposes the routing job to remote operators.
type Admin interface {
	RunOnce(ctx context.Context, force bool) (int, error)
	PendingGaps(ctx context.Context) ([]domain.DataGap, error)
	UnroutedCount(ctx context.Context) (int64, error)
	FlushCaches()
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
	Logger                                      hclog.Logger
}

const (
	laneCapture = iota
	laneAdmin
	laneCount
)

// Server accepts framed protobuf requests. Appends run on one lane in
// arrival order; admin operations run on their own lane so a long routing
// pass does not stall capture.
type Server struct {
	cfg     Config
	capture Capture
	admin   Admin
	logger  hclog.Logger
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	lanes   [laneCount]chan queuedRequest
	closed  atomic.Bool
	workers sync.WaitGroup
	readers sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
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
	pending  sync.WaitGroup
}

func NewServer(cfg Config, capture Capture, admin Admin) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	s := &Server{
		cfg:     cfg,
		capture: capture,
		admin:   admin,
		logger:  logging.OrNull(cfg.Logger).Named("socket"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		conns:   make(map[net.Conn]struct{}),
	}
	for i := range s.lanes {
		s.lanes[i] = make(chan queuedRequest, 128)
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
	s.logger.Info("listening", "network", s.cfg.Network, "address", ln.Addr().String())

	for i := range s.lanes {
		s.workers.Add(1)
		go s.runLane(s.lanes[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
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
	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()
	s.readers.Wait()
	for _, q := range s.lanes {
		close(q)
	}
	s.workers.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[raw] = struct{}{}
	s.readers.Add(2)
	s.connMu.Unlock()

	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	go func() { defer s.readers.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.readers.Done()
		defer func() {
			s.connMu.Lock()
			delete(s.conns, raw)
			s.connMu.Unlock()
			_ = raw.Close()
		}()
		defer close(conn.writerQ)
		defer conn.pending.Wait()
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			s.logger.Warn("marshal response", "request_id", res.RequestId, "error", err)
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
		conn.pending.Add(1)
		select {
		case s.lanes[laneFor(req)] <- qr:
		default:
			qr.release()
			conn.pending.Done()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "lane queue overloaded"})
		}
	}
}

func (s *Server) runLane(q chan queuedRequest) {
	defer s.workers.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req)
		req.release()
		s.send(req.conn, res)
		req.conn.pending.Done()
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
		s.logger.Warn("dropping response, writer queue full", "request_id", res.RequestId)
	}
}

func laneFor(req *SocketRequest) int {
	if Operation(req.Operation).admin() {
		return laneAdmin
	}
	return laneCapture
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	op := Operation(req.Operation)
	if op.admin() && s.admin == nil {
		return badReq(req, "admin operations are not enabled")
	}
	switch op {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationAppend:
		return s.handleAppend(ctx, req, res)
	case OperationRunOnce:
		force := req.RunOnce != nil && req.RunOnce.Force
		n, err := s.admin.RunOnce(ctx, force)
		if err != nil {
			return internal(res, err)
		}
		res.RunOnce = &RunOnceResponse{Routed: int64(n)}
	case OperationPendingGaps:
		gaps, err := s.admin.PendingGaps(ctx)
		if err != nil {
			return internal(res, err)
		}
		res.Gaps = toGapsResponse(gaps)
	case OperationUnroutedCount:
		n, err := s.admin.UnroutedCount(ctx)
		if err != nil {
			return internal(res, err)
		}
		res.Unrouted = &UnroutedResponse{Count: n}
	case OperationFlushCaches:
		s.admin.FlushCaches()
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func internal(res *SocketResponse, err error) *SocketResponse {
	res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
	return res
}

func (s *Server) handleAppend(ctx context.Context, req *SocketRequest, res *SocketResponse) *SocketResponse {
	changes := make([]domain.CapturedChange, 0, len(req.Append.Changes))
	for i, c := range req.Append.Changes {
		if c == nil || c.TableName == "" || c.EventType == "" {
			return badReq(req, fmt.Sprintf("change %d requires table_name and event_type", i))
		}
		changes = append(changes, toDomain(c))
	}
	ids, err := s.capture.AppendChanges(ctx, changes)
	if errors.Is(err, storage.ErrDuplicateChange) {
		res.ErrorCode, res.ErrorMessage = int32(ErrorCodeDuplicate), err.Error()
		return res
	}
	if err != nil {
		s.logger.Error("append failed", "request_id", req.RequestId, "changes", len(changes), "error", err)
		return internal(res, err)
	}
	res.Append = &AppendResponse{Ids: ids}
	return res
}

func toDomain(c *Change) domain.CapturedChange {
	out := domain.CapturedChange{
		ID:            c.Id,
		TableName:     c.TableName,
		EventType:     domain.EventType(c.EventType),
		TransactionID: c.TransactionId,
		RowData:       c.RowData,
		OldData:       c.OldData,
		PKData:        c.PkData,
		NodeList:      c.NodeList,
		SourceNodeID:  c.SourceNodeId,
		ChannelID:     c.ChannelId,
		TriggerHistID: c.TriggerHistId,
	}
	if c.CreateTimeUtcNs > 0 {
		out.CreateTime = time.Unix(0, c.CreateTimeUtcNs).UTC()
	}
	return out
}

func toGapsResponse(gaps []domain.DataGap) *GapsResponse {
	out := &GapsResponse{Gaps: make([]*Gap, 0, len(gaps))}
	for _, g := range gaps {
		out.Gaps = append(out.Gaps, &Gap{StartId: g.StartID, EndId: g.EndID, CreateTimeUtcNs: g.CreateTime.UnixNano()})
	}
	return out
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
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

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
