// Package ws lets WebSocket clients start and cancel relay runs and receive
// their node events as JSON messages.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/dataagent/internal/config"
	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/service"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      config.WSConfig
	service  *service.Service
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

// NewServer creates a new WebSocket server.
func NewServer(cfg config.WSConfig, svc *service.Service, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		service: svc,
		logger:  logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*connection),
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every open connection. Runs they own are cancelled as their
// read loops exit.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade WebSocket")
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := newConnection("conn_"+uuid.New().String()[:8], ws)
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	s.logger.Info().Str("conn_id", conn.id).Msg("Connection opened")

	go s.writePump(conn)
	s.readPump(conn)
}

// readPump reads messages until the client goes away, then cancels the runs
// the connection still owns.
func (s *Server) readPump(conn *connection) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
		conn.close()

		for _, runID := range conn.activeRuns() {
			if err := s.service.CancelRun(context.Background(), runID); err != nil && !errors.Is(err, service.ErrRunNotActive) {
				s.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to cancel run on disconnect")
			}
		}
		s.logger.Info().Str("conn_id", conn.id).Msg("Connection closed")
	}()

	conn.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", conn.id).Msg("WebSocket error")
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

// writePump is the only writer on the socket.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case message := <-conn.send:
			conn.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", conn.id).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.done:
			conn.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = conn.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *connection, data []byte) {
	var baseMsg BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, BaseMessage{}, ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch baseMsg.Type {
	case TypeStart:
		s.handleStart(conn, data)
	case TypeCancel:
		s.handleCancel(conn, baseMsg)
	default:
		s.sendError(conn, baseMsg, ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

func (s *Server) handleStart(conn *connection, data []byte) {
	var msg StartMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, msg.BaseMessage, ErrorCodeInvalidMessage, "invalid start message")
		return
	}
	requestID := msg.RequestID

	// The run id is only known once StartRun returns, but callbacks may fire
	// before that; they wait on started.
	var runID string
	started := make(chan struct{})
	base := func(typ string) BaseMessage {
		<-started
		return BaseMessage{Type: typ, Ts: now(), RequestID: requestID, RunID: runID}
	}

	observer := service.Observer{
		OnEvent: func(ctx context.Context, rec *domain.RecordedEvent) error {
			return conn.enqueue(NodeMessage{BaseMessage: base(TypeNode), Seq: rec.Seq, Event: rec.Event})
		},
		OnDecodeError: func(ctx context.Context, _ string, decodeErr *domain.DecodeError) error {
			return conn.enqueue(DecodeErrorMessage{BaseMessage: base(TypeDecodeError), Message: decodeErr.Error()})
		},
		OnFinish: func(run *domain.Run) {
			<-started
			conn.removeRun(run.RunID)
			var msg any
			switch run.State {
			case domain.SessionStateCompleted:
				msg = FinishMessage{BaseMessage: base(TypeComplete), ThreadID: run.ThreadID, Events: run.Events}
			case domain.SessionStateCancelled:
				msg = FinishMessage{BaseMessage: base(TypeCancelled), ThreadID: run.ThreadID, Events: run.Events}
			default:
				msg = ErrorMessage{BaseMessage: base(TypeError), Code: ErrorCodeStreamFailed, Message: run.Error, ThreadID: run.ThreadID}
			}
			if err := conn.enqueue(msg); err != nil {
				s.logger.Debug().Err(err).Str("run_id", run.RunID).Msg("Run finished after connection closed")
			}
		},
	}

	run, err := s.service.StartRun(context.Background(), msg.Request, observer)
	if err != nil {
		close(started)
		s.sendError(conn, msg.BaseMessage, errorCode(err), err.Error())
		return
	}
	runID = run.RunID
	conn.addRun(runID)

	// run_started goes out before any callback can enqueue.
	_ = conn.enqueue(RunStartedMessage{
		BaseMessage: BaseMessage{Type: TypeRunStarted, Ts: now(), RequestID: requestID, RunID: runID},
		ThreadID:    run.ThreadID,
	})
	close(started)
}

func (s *Server) handleCancel(conn *connection, msg BaseMessage) {
	if msg.RunID == "" || !conn.ownsRun(msg.RunID) {
		s.sendError(conn, msg, ErrorCodeRunNotActive, "no active run "+msg.RunID+" on this connection")
		return
	}
	if err := s.service.CancelRun(context.Background(), msg.RunID); err != nil {
		s.sendError(conn, msg, errorCode(err), err.Error())
	}
	// The cancelled message follows from OnFinish.
}

func (s *Server) sendError(conn *connection, req BaseMessage, code, message string) {
	err := conn.enqueue(ErrorMessage{
		BaseMessage: BaseMessage{Type: TypeError, Ts: now(), RequestID: req.RequestID, RunID: req.RunID},
		Code:        code,
		Message:     message,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("conn_id", conn.id).Msg("Failed to send error")
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return ErrorCodeInvalidRequest
	case errors.Is(err, service.ErrPolicyDenied):
		return ErrorCodePolicyDenied
	case errors.Is(err, service.ErrRunNotActive), errors.Is(err, service.ErrRunNotFound):
		return ErrorCodeRunNotActive
	default:
		return ErrorCodeInternal
	}
}
