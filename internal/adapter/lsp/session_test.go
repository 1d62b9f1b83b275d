package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
)

const testTimeout = 2 * time.Second

// noReply tells the fake engine to leave a request unanswered.
var noReply = &RPCError{Code: -1, Message: "no reply"}

// fakeEngine is the engine end of a net.Pipe. Every message it receives is
// queued on got; requests are answered concurrently by handle.
type fakeEngine struct {
	raw    net.Conn
	conn   *Conn
	got    chan *Message
	handle func(*Message) (any, *RPCError)
}

func newFakeEngine(t *testing.T, handle func(*Message) (any, *RPCError)) (*Session, *fakeEngine) {
	t.Helper()
	client, server := net.Pipe()

	fe := &fakeEngine{
		raw:    server,
		conn:   NewConn(server),
		got:    make(chan *Message, 100),
		handle: handle,
	}
	go fe.serve()

	s := NewSession(client)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = s.Shutdown(ctx)
		_ = server.Close()
	})
	return s, fe
}

func (fe *fakeEngine) serve() {
	for {
		msg, err := fe.conn.ReadMessage()
		if err != nil {
			return
		}
		fe.got <- msg
		if msg.IsRequest() && fe.handle != nil {
			go func() {
				result, rpcErr := fe.handle(msg)
				if rpcErr == noReply {
					return
				}
				_ = fe.conn.Respond(msg.ID, result, rpcErr)
			}()
		}
	}
}

// next returns the next message the engine received.
func (fe *fakeEngine) next(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-fe.got:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a message at the engine")
		return nil
	}
}

func echoEngine(msg *Message) (any, *RPCError) {
	return map[string]any{"method": msg.Method, "params": msg.Params}, nil
}

func TestRequestCorrelation(t *testing.T) {
	s, _ := newFakeEngine(t, func(msg *Message) (any, *RPCError) {
		if msg.Method == "slow" {
			time.Sleep(50 * time.Millisecond)
		}
		return msg.Method, nil
	})

	methods := []string{"slow", "fast-1", "fast-2", "fast-3"}
	results := make([]string, len(methods))
	errs := make([]error, len(methods))

	var wg sync.WaitGroup
	for i, m := range methods {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Request(context.Background(), m, nil, &results[i])
		}()
	}
	wg.Wait()

	for i, m := range methods {
		if errs[i] != nil {
			t.Errorf("%s: unexpected error %v", m, errs[i])
		}
		if results[i] != m {
			t.Errorf("%s: got result %q", m, results[i])
		}
	}
}

func TestRequestParamsForwarded(t *testing.T) {
	s, fe := newFakeEngine(t, echoEngine)

	params := lspDomain.RangeFormattingParams{
		TextDocument: lspDomain.TextDocumentIdentifier{URI: "file:///a.php"},
		HTMLEdits:    []lspDomain.TextEdit{},
	}
	if err := s.Request(context.Background(), lspDomain.MethodRangeFormatting, params, nil); err != nil {
		t.Fatal(err)
	}

	msg := fe.next(t)
	if msg.Method != lspDomain.MethodRangeFormatting {
		t.Fatalf("expected %s, got %s", lspDomain.MethodRangeFormatting, msg.Method)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(msg.Params, &got); err != nil {
		t.Fatal(err)
	}
	if string(got["htmlEdits"]) != "[]" {
		t.Errorf("expected htmlEdits [], got %s", got["htmlEdits"])
	}
}

func TestRequestRPCError(t *testing.T) {
	s, _ := newFakeEngine(t, func(msg *Message) (any, *RPCError) {
		if msg.Method == "broken" {
			return nil, &RPCError{Code: -32601, Message: "method not found"}
		}
		return "ok", nil
	})

	err := s.Request(context.Background(), "broken", nil, nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if perr.Code != -32601 || perr.Method != "broken" {
		t.Errorf("unexpected protocol error %+v", perr)
	}

	// The session stays usable.
	var out string
	if err := s.Request(context.Background(), "fine", nil, &out); err != nil || out != "ok" {
		t.Fatalf("expected ok after protocol error, got %q, %v", out, err)
	}
}

func TestRequestUndecodableResult(t *testing.T) {
	s, _ := newFakeEngine(t, func(*Message) (any, *RPCError) {
		return "not a list", nil
	})

	var out []lspDomain.FileDiagnostics
	err := s.Request(context.Background(), lspDomain.MethodWorkspaceDiagnostics, nil, &out)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestRequestContextCancel(t *testing.T) {
	s, _ := newFakeEngine(t, func(*Message) (any, *RPCError) { return nil, noReply })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Request(ctx, "hang", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("a timed out request must not stop the session, got %v", s.Err())
	}
}

func TestNotificationOrderAndFanOut(t *testing.T) {
	s, fe := newFakeEngine(t, nil)

	var mu sync.Mutex
	var calls []string
	record := func(tag string) Handler {
		return func(params json.RawMessage) {
			var n int
			_ = json.Unmarshal(params, &n)
			mu.Lock()
			calls = append(calls, tag+":"+string(rune('0'+n)))
			mu.Unlock()
		}
	}

	s.OnNotification("test/event", record("a"))
	unsubB := s.OnNotification("test/event", record("b"))
	s.OnNotification("test/other", record("o"))

	received := make(chan struct{}, 10)
	s.OnNotification("test/sync", func(json.RawMessage) { received <- struct{}{} })

	_ = fe.conn.Notify("test/event", 1)
	_ = fe.conn.Notify("test/other", 2)
	_ = fe.conn.Notify("test/event", 3)
	_ = fe.conn.Notify("test/sync", nil)
	<-received

	unsubB()
	unsubB() // idempotent
	_ = fe.conn.Notify("test/event", 4)
	_ = fe.conn.Notify("test/sync", nil)
	<-received

	want := []string{"a:1", "b:1", "o:2", "a:3", "b:3", "a:4"}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestServerRequestAnsweredWithNull(t *testing.T) {
	_, fe := newFakeEngine(t, nil)

	if err := fe.conn.Request(99, "workspace/configuration", map[string]any{"items": []any{}}); err != nil {
		t.Fatal(err)
	}

	msg := fe.next(t)
	if id, ok := msg.NumericID(); !ok || id != 99 {
		t.Fatalf("expected response to id 99, got %s", msg.ID)
	}
	if msg.Method != "" || msg.Error != nil {
		t.Fatalf("expected plain response, got %+v", msg)
	}
	if string(msg.Result) != "null" {
		t.Errorf("expected null result, got %s", msg.Result)
	}
}

func TestRepeatedResponseIgnored(t *testing.T) {
	s, fe := newFakeEngine(t, func(msg *Message) (any, *RPCError) {
		if msg.Method == "textDocument/rangeFormatting" {
			return nil, noReply
		}
		return nil, nil
	})

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var result string
		err := s.Request(context.Background(), "textDocument/rangeFormatting", nil, &result)
		done <- outcome{result, err}
	}()

	req := fe.next(t)
	for _, r := range []string{"first", "second", "third"} {
		if err := fe.conn.Respond(req.ID, r, nil); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case o := <-done:
		if o.err != nil || o.result != "first" {
			t.Fatalf("got %q, %v; want the first response", o.result, o.err)
		}
	case <-time.After(testTimeout):
		t.Fatal("request not answered")
	}

	got := make(chan string, 1)
	s.OnNotification("test/after", func(params json.RawMessage) { got <- string(params) })
	_ = fe.conn.Notify("test/after", "still reading")
	select {
	case p := <-got:
		if p != `"still reading"` {
			t.Errorf("unexpected params %s", p)
		}
	case <-time.After(testTimeout):
		t.Fatal("read loop stalled after repeated responses")
	}
}

func TestMalformedFrameSkipped(t *testing.T) {
	s, fe := newFakeEngine(t, nil)

	got := make(chan string, 1)
	s.OnNotification("test/after", func(params json.RawMessage) { got <- string(params) })

	if _, err := io.WriteString(fe.raw, "Content-Length: 5\r\n\r\n{bad}"); err != nil {
		t.Fatal(err)
	}
	_ = fe.conn.Notify("test/after", "still alive")

	select {
	case p := <-got:
		if p != `"still alive"` {
			t.Errorf("unexpected params %s", p)
		}
	case <-time.After(testTimeout):
		t.Fatal("notification after malformed frame not delivered")
	}
}

func TestInitializeSendsInitialized(t *testing.T) {
	s, fe := newFakeEngine(t, func(*Message) (any, *RPCError) {
		return map[string]any{"capabilities": map[string]any{}}, nil
	})

	params := lspDomain.NewInitializeParams(lspDomain.WorkspaceOptions{
		ProcessID:         42,
		RootURI:           "file:///work",
		Exclude:           []string{"**/vendor/**"},
		PHPVersion:        "8.4",
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err := s.Initialize(context.Background(), params, nil); err != nil {
		t.Fatal(err)
	}

	init := fe.next(t)
	if init.Method != lspDomain.MethodInitialize || !init.IsRequest() {
		t.Fatalf("expected initialize request, got %+v", init)
	}
	var bag struct {
		ProcessID int            `json:"processId"`
		Options   map[string]any `json:"initializationOptions"`
	}
	if err := json.Unmarshal(init.Params, &bag); err != nil {
		t.Fatal(err)
	}
	if bag.ProcessID != 42 {
		t.Errorf("expected processId 42, got %d", bag.ProcessID)
	}
	if bag.Options["phpTools.heartBeatInterval"] != float64(50) {
		t.Errorf("expected heartbeat 50, got %v", bag.Options["phpTools.heartBeatInterval"])
	}
	if ex, _ := bag.Options["files.exclude"].(map[string]any); ex["**/vendor/**"] != true {
		t.Errorf("expected exclude glob map, got %v", bag.Options["files.exclude"])
	}

	initialized := fe.next(t)
	if initialized.Method != lspDomain.MethodInitialized || !initialized.IsNotification() {
		t.Fatalf("expected initialized notification, got %+v", initialized)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s, fe := newFakeEngine(t, func(msg *Message) (any, *RPCError) {
		if msg.Method == "textDocument/rangeFormatting" {
			return nil, noReply
		}
		return nil, nil
	})

	pending := make(chan error, 1)
	go func() { pending <- s.Request(context.Background(), "hang", nil, nil) }()
	if msg := fe.next(t); msg.Method != "hang" {
		t.Fatalf("expected hang request, got %s", msg.Method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if msg := fe.next(t); msg.Method != lspDomain.MethodExit {
		t.Errorf("expected exit notification, got %s", msg.Method)
	}

	select {
	case err := <-pending:
		var terr *TransportError
		if !errors.As(err, &terr) || !errors.Is(err, ErrClosed) {
			t.Errorf("expected TransportError wrapping ErrClosed, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("pending request not failed by shutdown")
	}

	var terr *TransportError
	if err := s.Request(context.Background(), "late", nil, nil); !errors.As(err, &terr) {
		t.Errorf("expected TransportError after shutdown, got %v", err)
	}
	if err := s.Notify("late", nil); !errors.As(err, &terr) {
		t.Errorf("expected TransportError from Notify after shutdown, got %v", err)
	}
}

func TestEngineDisconnect(t *testing.T) {
	s, fe := newFakeEngine(t, func(msg *Message) (any, *RPCError) {
		if msg.Method == "textDocument/rangeFormatting" {
			return nil, noReply
		}
		return nil, nil
	})

	pending := make(chan error, 1)
	go func() { pending <- s.Request(context.Background(), "hang", nil, nil) }()
	fe.next(t)

	_ = fe.raw.Close()

	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatal("session did not stop after engine disconnect")
	}
	if !errors.Is(s.Err(), io.EOF) {
		t.Errorf("expected EOF cause, got %v", s.Err())
	}

	err := <-pending
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestConnectMissingBinary(t *testing.T) {
	_, err := Connect(context.Background(), EngineConfig{Path: "phpy-no-such-engine-binary"})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Op != "start" {
		t.Errorf("expected op start, got %s", terr.Op)
	}
}
