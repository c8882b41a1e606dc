package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tdacompanytr/tdai.github.io/internal/assistant"
	"github.com/tdacompanytr/tdai.github.io/internal/call"
	"github.com/tdacompanytr/tdai.github.io/internal/config"
	"github.com/tdacompanytr/tdai.github.io/internal/history"
	"github.com/tdacompanytr/tdai.github.io/internal/observability"
	"github.com/tdacompanytr/tdai.github.io/internal/playback"
	"github.com/tdacompanytr/tdai.github.io/internal/transport"
)

// Prometheus collectors register globally, so the package shares one set.
var testMetrics = observability.NewMetrics("test_httpapi")

type fakeChat struct {
	mu         sync.Mutex
	reply      string
	titleCalls int
}

func (f *fakeChat) StreamChat(_ context.Context, _ []history.Message, _ string, _ *assistant.Attachment, onDelta func(string)) (string, error) {
	f.mu.Lock()
	reply := f.reply
	f.mu.Unlock()
	for _, word := range strings.SplitAfter(reply, " ") {
		onDelta(word)
	}
	return reply, nil
}

func (f *fakeChat) GenerateImage(_ context.Context, _ string) (*assistant.Attachment, error) {
	return &assistant.Attachment{MIMEType: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}}, nil
}

func (f *fakeChat) GenerateTitle(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.titleCalls++
	f.mu.Unlock()
	return "Test Sohbeti", nil
}

type stubAudio struct{}

func (stubAudio) Start(func([]float32), func(error)) {}
func (stubAudio) Close() error                       { return nil }

type stubPlayer struct{}

func (stubPlayer) Schedule(playback.Buffer) (float64, error) { return 0, nil }
func (stubPlayer) Interrupt() error                          { return nil }
func (stubPlayer) Playing() bool                             { return false }

func newTestServer(t *testing.T) (*httptest.Server, *fakeChat, history.Store, *call.Manager) {
	t.Helper()
	cfg := config.Config{
		StartCallPhrase:  "görüşme başlat",
		EndCallPhrase:    "görüşmeyi bitir",
		ImageGenKeywords: []string{"çiz", "resim oluştur"},
	}
	store := history.NewInMemoryStore()
	stages := observability.NewCallStageWindow(0)
	calls := call.NewManager(call.Config{
		Dialer: transport.NewMockDialer(),
		OpenDevices: func() (call.MediaDevices, error) {
			return call.MediaDevices{Audio: stubAudio{}}, nil
		},
		Player:  stubPlayer{},
		History: store,
		Metrics: testMetrics,
		Stages:  stages,
	})
	chat := &fakeChat{reply: "Merhaba! Nasıl yardımcı olabilirim?"}
	srv := New(cfg, calls, chat, store, testMetrics, stages)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(calls.Stop)
	return ts, chat, store, calls
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	res.Body.Close()

	readyRes, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	ready := decodeBody(t, readyRes)
	if ready["call_state"] != "idle" {
		t.Fatalf("call_state = %v, want idle", ready["call_state"])
	}
}

func TestCallStartStopStatus(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/call/start", map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	started := decodeBody(t, res)
	if started["state"] != "active" {
		t.Fatalf("state after start = %v, want active", started["state"])
	}
	if started["conversation_id"] == "" {
		t.Fatalf("start response missing conversation_id: %+v", started)
	}

	dup := postJSON(t, ts.URL+"/v1/call/start", map[string]string{})
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want %d", dup.StatusCode, http.StatusConflict)
	}
	dup.Body.Close()

	stop := postJSON(t, ts.URL+"/v1/call/stop", nil)
	stopped := decodeBody(t, stop)
	if stopped["state"] != "idle" {
		t.Fatalf("state after stop = %v, want idle", stopped["state"])
	}

	statusRes, err := http.Get(ts.URL + "/v1/call/status")
	if err != nil {
		t.Fatalf("GET status error = %v", err)
	}
	status := decodeBody(t, statusRes)
	if status["state"] != "idle" {
		t.Fatalf("status state = %v, want idle", status["state"])
	}
}

func TestChatStreamsReplyAndPersists(t *testing.T) {
	ts, chat, store, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/chat", map[string]string{"message": "selam"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	convID := res.Header.Get("X-Conversation-ID")
	if convID == "" {
		t.Fatalf("missing X-Conversation-ID header")
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read stream body: %v", err)
	}
	if string(body) != chat.reply {
		t.Fatalf("streamed body = %q, want %q", body, chat.reply)
	}

	msgs, err := store.Messages(context.Background(), convID, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Text != "selam" {
		t.Fatalf("first message = %+v, want user selam", msgs[0])
	}
	if msgs[1].Role != history.RoleAssistant || msgs[1].Text != chat.reply {
		t.Fatalf("second message = %+v, want assistant reply", msgs[1])
	}
}

func TestChatImageKeywordGeneratesImage(t *testing.T) {
	ts, _, store, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/chat", map[string]string{"message": "çiz bana bir kedi"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	payload := decodeBody(t, res)
	if payload["action"] != "image" {
		t.Fatalf("action = %v, want image", payload["action"])
	}
	msg, _ := payload["message"].(map[string]any)
	if msg == nil || msg["attachment"] == nil {
		t.Fatalf("image response missing attachment: %+v", payload)
	}

	convs, err := store.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	msgs, err := store.Messages(context.Background(), convs[0].ID, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[1].Attachment == nil {
		t.Fatalf("persisted messages = %+v, want user prompt plus image", msgs)
	}
}

func TestChatStartPhraseBeginsCall(t *testing.T) {
	ts, _, _, calls := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/chat", map[string]string{"message": "Görüşme Başlat"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	payload := decodeBody(t, res)
	if payload["action"] != "call_started" {
		t.Fatalf("action = %v, want call_started", payload["action"])
	}
	if calls.Status().State != call.StateActive {
		t.Fatalf("manager state = %v, want active", calls.Status().State)
	}
}

func TestChatEndPhraseStopsCall(t *testing.T) {
	ts, _, _, calls := newTestServer(t)

	if _, err := calls.Start(context.Background(), call.StartOptions{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := postJSON(t, ts.URL+"/v1/chat", map[string]string{"message": "görüşmeyi bitir"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	payload := decodeBody(t, res)
	if payload["action"] != "call_stopped" {
		t.Fatalf("action = %v, want call_stopped", payload["action"])
	}
	if calls.Status().State != call.StateIdle {
		t.Fatalf("manager state = %v, want idle", calls.Status().State)
	}
}

func TestChatUnknownConversationRejected(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	res := postJSON(t, ts.URL+"/v1/chat", map[string]string{
		"conversation_id": "no-such-conversation",
		"message":         "selam",
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("chat status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestConversationLifecycle(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	createRes := postJSON(t, ts.URL+"/v1/conversations", nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", createRes.StatusCode, http.StatusCreated)
	}
	created := decodeBody(t, createRes)
	conv, _ := created["conversation"].(map[string]any)
	if conv == nil {
		t.Fatalf("create response missing conversation: %+v", created)
	}
	id, _ := conv["id"].(string)
	if id == "" {
		t.Fatalf("create response missing conversation id: %+v", created)
	}
	if created["welcome"] == "" {
		t.Fatalf("create response missing welcome message: %+v", created)
	}

	msgsRes, err := http.Get(ts.URL + "/v1/conversations/" + id + "/messages")
	if err != nil {
		t.Fatalf("GET messages error = %v", err)
	}
	defer msgsRes.Body.Close()
	var msgs []history.Message
	if err := json.NewDecoder(msgsRes.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != history.RoleAssistant {
		t.Fatalf("new conversation messages = %+v, want one assistant welcome", msgs)
	}

	renameRes := postJSON(t, ts.URL+"/v1/conversations/"+id+"/rename", map[string]string{"title": "Kedi Planı"})
	if renameRes.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d, want %d", renameRes.StatusCode, http.StatusOK)
	}
	renameRes.Body.Close()

	listRes, err := http.Get(ts.URL + "/v1/conversations")
	if err != nil {
		t.Fatalf("GET conversations error = %v", err)
	}
	defer listRes.Body.Close()
	var convs []history.Conversation
	if err := json.NewDecoder(listRes.Body).Decode(&convs); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Title != "Kedi Planı" {
		t.Fatalf("conversations = %+v, want one renamed entry", convs)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/conversations/"+id, nil)
	delRes, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE conversation error = %v", err)
	}
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", delRes.StatusCode, http.StatusOK)
	}
	delRes.Body.Close()

	goneRes, err := http.Get(ts.URL + "/v1/conversations/" + id + "/messages")
	if err != nil {
		t.Fatalf("GET messages after delete error = %v", err)
	}
	defer goneRes.Body.Close()
	if goneRes.StatusCode != http.StatusNotFound {
		t.Fatalf("messages after delete status = %d, want %d", goneRes.StatusCode, http.StatusNotFound)
	}
}

func TestPerfLatencySnapshot(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	payload := decodeBody(t, res)
	if _, ok := payload["generated_at"]; !ok {
		t.Fatalf("snapshot missing generated_at: %+v", payload)
	}
}
