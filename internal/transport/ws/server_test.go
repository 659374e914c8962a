package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/dataagent/internal/adapter/graphclient"
	"github.com/xiaot623/dataagent/internal/config"
	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/policy"
	"github.com/xiaot623/dataagent/internal/service"
	"github.com/xiaot623/dataagent/internal/testutil"
)

var testConfig = config.WSConfig{
	PingInterval:   time.Second,
	WriteTimeout:   time.Second,
	ReadTimeout:    5 * time.Second,
	MaxMessageSize: 64 * 1024,
}

func nodeFrame(node, text string) string {
	return fmt.Sprintf("data: {\"agentId\":\"a1\",\"threadId\":\"t1\",\"nodeName\":%q,\"textType\":\"TEXT\",\"text\":%q,\"error\":false,\"complete\":true}\n\n", node, text)
}

func newTestServer(t *testing.T, agent http.HandlerFunc) (*websocket.Conn, *service.Service) {
	t.Helper()
	conn, svc, _ := newTestServerWith(t, agent)
	return conn, svc
}

func newTestServerWith(t *testing.T, agent http.HandlerFunc) (*websocket.Conn, *service.Service, *Server) {
	t.Helper()
	upstream := httptest.NewServer(agent)
	t.Cleanup(upstream.Close)

	policyEngine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	client := graphclient.NewClient(upstream.URL, graphclient.WithHTTPClient(upstream.Client()))
	svc := service.New(testutil.NewTestSQLiteStore(t), client, policyEngine, zerolog.Nop())

	wsServer := NewServer(testConfig, svc, zerolog.Nop())
	relay := httptest.NewServer(wsServer)
	t.Cleanup(func() {
		wsServer.Close()
		relay.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relay.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, svc, wsServer
}

type received struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	RunID     string           `json:"run_id"`
	ThreadID  string           `json:"thread_id"`
	Seq       int              `json:"seq"`
	Event     domain.NodeEvent `json:"event"`
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	Events    int              `json:"events"`
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func sendStart(t *testing.T, conn *websocket.Conn, requestID string, req domain.StreamRequest) {
	t.Helper()
	err := conn.WriteJSON(StartMessage{BaseMessage: BaseMessage{Type: TypeStart, RequestID: requestID}, Request: req})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestStartStreamsRun(t *testing.T) {
	conn, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, nodeFrame("plan", "one"))
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, nodeFrame("report", "two"))
		fmt.Fprint(w, "event: complete\ndata: done\n\n")
	})

	sendStart(t, conn, "req-1", domain.StreamRequest{AgentID: "a1", Query: "q"})

	started := readMessage(t, conn)
	if started.Type != TypeRunStarted || started.RequestID != "req-1" || started.RunID == "" {
		t.Fatalf("unexpected first message: %+v", started)
	}

	var types []string
	var nodes []string
	for {
		msg := readMessage(t, conn)
		if msg.RunID != started.RunID {
			t.Fatalf("message for wrong run: %+v", msg)
		}
		types = append(types, msg.Type)
		if msg.Type == TypeNode {
			nodes = append(nodes, msg.Event.NodeName)
		}
		if msg.Type == TypeComplete {
			if msg.ThreadID != "t1" || msg.Events != 2 {
				t.Fatalf("unexpected complete message: %+v", msg)
			}
			break
		}
	}

	want := []string{TypeNode, TypeDecodeError, TypeNode, TypeComplete}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, types)
	}
	if strings.Join(nodes, ",") != "plan,report" {
		t.Fatalf("unexpected nodes: %v", nodes)
	}
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	conn, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("upstream should not be called")
	})

	sendStart(t, conn, "req-2", domain.StreamRequest{AgentID: "a1"})

	msg := readMessage(t, conn)
	if msg.Type != TypeError || msg.Code != ErrorCodeInvalidRequest || msg.RequestID != "req-2" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestStartRejectsPolicyDenied(t *testing.T) {
	conn, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("upstream should not be called")
	})

	sendStart(t, conn, "req-3", domain.StreamRequest{AgentID: "a1", Query: "q", HumanFeedback: true})

	msg := readMessage(t, conn)
	if msg.Type != TypeError || msg.Code != ErrorCodePolicyDenied {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestCancelRun(t *testing.T) {
	conn, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, nodeFrame("plan", "one"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	sendStart(t, conn, "req-4", domain.StreamRequest{AgentID: "a1", Query: "q"})
	started := readMessage(t, conn)
	if started.Type != TypeRunStarted {
		t.Fatalf("unexpected first message: %+v", started)
	}
	if msg := readMessage(t, conn); msg.Type != TypeNode {
		t.Fatalf("expected node, got %+v", msg)
	}

	if err := conn.WriteJSON(CancelMessage{BaseMessage: BaseMessage{Type: TypeCancel, RunID: started.RunID}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != TypeCancelled || msg.RunID != started.RunID {
		t.Fatalf("expected cancelled, got %+v", msg)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	conn, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	if err := conn.WriteJSON(CancelMessage{BaseMessage: BaseMessage{Type: TypeCancel, RunID: "run_other"}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != TypeError || msg.Code != ErrorCodeRunNotActive {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestUnknownMessageType(t *testing.T) {
	conn, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != TypeError || msg.Code != ErrorCodeInvalidMessage {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg = readMessage(t, conn)
	if msg.Code != ErrorCodeInvalidMessage {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDisconnectCancelsRuns(t *testing.T) {
	agentGone := make(chan struct{})
	conn, svc := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, nodeFrame("plan", "one"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(agentGone)
	})

	sendStart(t, conn, "req-5", domain.StreamRequest{AgentID: "a1", Query: "q"})
	readMessage(t, conn)
	readMessage(t, conn)

	conn.Close()

	select {
	case <-agentGone:
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream session was not cancelled")
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.ActiveRuns() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if svc.ActiveRuns() != 0 {
		t.Fatalf("run still active after disconnect")
	}
}

func TestConnectionsTracked(t *testing.T) {
	conn, _, wsServer := newTestServerWith(t, func(w http.ResponseWriter, r *http.Request) {})

	// The server registers the connection after the handshake completes.
	deadline := time.Now().Add(2 * time.Second)
	for wsServer.Connections() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := wsServer.Connections(); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for wsServer.Connections() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := wsServer.Connections(); n != 0 {
		t.Fatalf("expected 0 connections after close, got %d", n)
	}
}
