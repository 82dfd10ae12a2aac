package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couikit/devtools/cssom"
	"github.com/couikit/devtools/page"
)

const testDoc = `<!DOCTYPE html>
<html><head><title>lobby</title></head>
<body><div id="root" class="panel">hello</div></body></html>`

func newTestBridge(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	p := page.New("lobby", "Lobby", "coui://ui/lobby.html", page.WithMatcher(cssom.Matches))
	if err := p.LoadHTML(testDoc); err != nil {
		t.Fatalf("LoadHTML: %v", err)
	}
	srv := NewServer("127.0.0.1:0", WithFlushInterval(time.Millisecond))
	srv.AddPage(p)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestDiscoveryVersion(t *testing.T) {
	ts, _ := newTestBridge(t)
	var body map[string]string
	getJSON(t, ts.URL+"/json/version", &body)
	if body["Browser"] == "" {
		t.Fatalf("missing Browser: %v", body)
	}
	if body["Protocol-Version"] != "1.3" {
		t.Fatalf("Protocol-Version = %q", body["Protocol-Version"])
	}
}

func TestDiscoveryList(t *testing.T) {
	ts, _ := newTestBridge(t)
	var targets []map[string]string
	getJSON(t, ts.URL+"/json/list", &targets)
	if len(targets) != 1 {
		t.Fatalf("want 1 target, got %d", len(targets))
	}
	tg := targets[0]
	if tg["id"] != "lobby" || tg["type"] != "page" {
		t.Fatalf("unexpected target: %v", tg)
	}
	if tg["url"] != "coui://ui/lobby.html" {
		t.Fatalf("url = %q", tg["url"])
	}
	if !strings.HasSuffix(tg["webSocketDebuggerUrl"], "/ws/lobby") {
		t.Fatalf("webSocketDebuggerUrl = %q", tg["webSocketDebuggerUrl"])
	}
	if !strings.HasPrefix(tg["devtoolsFrontendUrl"], "devtools://devtools/bundled/inspector.html?ws=") {
		t.Fatalf("devtoolsFrontendUrl = %q", tg["devtoolsFrontendUrl"])
	}
}

func dial(t *testing.T, ts *httptest.Server, pageID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + pageID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// awaitResponse reads frames until the response with the given id arrives.
func awaitResponse(t *testing.T, ws *websocket.Conn, id int64) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		got, ok := msg["id"].(float64)
		if ok && int64(got) == id {
			return msg
		}
	}
	t.Fatalf("no response with id %d", id)
	return nil
}

func send(t *testing.T, ws *websocket.Conn, id int64, method string, params string) {
	t.Helper()
	frame := fmt.Sprintf(`{"id":%d,"method":%q,"params":%s}`, id, method, params)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebsocketCommandRoundTrip(t *testing.T) {
	ts, _ := newTestBridge(t)
	ws := dial(t, ts, "lobby")

	send(t, ws, 1, "DOM.getDocument", `{"depth":-1}`)
	resp := awaitResponse(t, ws, 1)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result in %v", resp)
	}
	if _, ok := result["root"]; !ok {
		t.Fatalf("no root in %v", result)
	}
}

func TestWebsocketCommandBatch(t *testing.T) {
	ts, _ := newTestBridge(t)
	ws := dial(t, ts, "lobby")

	batch := `[{"id":10,"method":"DOM.enable","params":{}},` +
		`{"id":11,"method":"Runtime.evaluate","params":{"expression":"6*7"}}]`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(batch)); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	resp := awaitResponse(t, ws, 11)
	result := resp["result"].(map[string]any)
	obj, ok := result["result"].(map[string]any)
	if !ok {
		t.Fatalf("no inner result in %v", result)
	}
	if obj["value"] != float64(42) {
		t.Fatalf("evaluate value = %v", obj["value"])
	}
}

func TestWebsocketUnknownPage(t *testing.T) {
	ts, _ := newTestBridge(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded for unknown page")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestDisconnectTearsDownSession(t *testing.T) {
	ts, _ := newTestBridge(t)
	ws := dial(t, ts, "lobby")

	send(t, ws, 1, "DOM.getDocument", `{}`)
	awaitResponse(t, ws, 1)
	ws.Close()

	// A fresh attachment gets a fresh session: node ids restart.
	time.Sleep(20 * time.Millisecond)
	ws2 := dial(t, ts, "lobby")
	send(t, ws2, 1, "DOM.getDocument", `{}`)
	resp := awaitResponse(t, ws2, 1)
	root := resp["result"].(map[string]any)["root"].(map[string]any)
	if root["nodeId"] != float64(1) {
		t.Fatalf("reconnect root nodeId = %v", root["nodeId"])
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	ended    []string
	commands []string
	events   []string
}

func (o *recordingObserver) SessionStarted(sessionID, pageID, remoteAddr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, sessionID+"/"+pageID)
}

func (o *recordingObserver) SessionEnded(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, sessionID)
}

func (o *recordingObserver) Command(sessionID, method string, params []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, method)
}

func (o *recordingObserver) Event(sessionID, method string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, method)
}

func TestObserverSeesTraffic(t *testing.T) {
	obs := &recordingObserver{}
	p := page.New("lobby", "Lobby", "coui://ui/lobby.html", page.WithMatcher(cssom.Matches))
	if err := p.LoadHTML(testDoc); err != nil {
		t.Fatalf("LoadHTML: %v", err)
	}
	srv := NewServer("127.0.0.1:0", WithFlushInterval(time.Millisecond), WithObserver(obs))
	srv.AddPage(p)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ws := dial(t, ts, "lobby")
	send(t, ws, 1, "Runtime.enable", `{}`)
	awaitResponse(t, ws, 1)
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		obs.mu.Lock()
		done := len(obs.ended) == 1
		obs.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.started) != 1 || !strings.HasSuffix(obs.started[0], "/lobby") {
		t.Fatalf("started = %v", obs.started)
	}
	if len(obs.ended) != 1 {
		t.Fatalf("ended = %v", obs.ended)
	}
	if len(obs.commands) != 1 || obs.commands[0] != "Runtime.enable" {
		t.Fatalf("commands = %v", obs.commands)
	}
	// Runtime.enable announces the execution context.
	found := false
	for _, m := range obs.events {
		if m == "Runtime.executionContextCreated" {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %v", obs.events)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ts, _ := newTestBridge(t)
	ws := dial(t, ts, "lobby")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`[{"id":5,`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The connection survives and keeps serving commands.
	send(t, ws, 2, "Runtime.evaluate", `{"expression":"1+1"}`)
	awaitResponse(t, ws, 2)
}
