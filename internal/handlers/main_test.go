package handlers_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aquachat-app/aqua-web-ui/internal/handlers"
	"github.com/aquachat-app/aqua-web-ui/internal/models"
	"github.com/aquachat-app/aqua-web-ui/internal/store"
	"github.com/aquachat-app/aqua-web-ui/internal/stream"
)

type mockLLM struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	prompt   string
	language string
}

func (m *mockLLM) Complete(_ context.Context, prompt, language string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompt = prompt
	m.language = language
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type mockSynth struct {
	mu    sync.Mutex
	dir   string
	calls int
	err   error
}

func (m *mockSynth) Synthesize(_ context.Context, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.calls++
	path := filepath.Join(m.dir, "speech.wav")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMain(t *testing.T, llm handlers.LLM, speech handlers.Synthesizer) (handlers.Main, *store.ChatStore) {
	t.Helper()

	chatStore := store.New(&memKV{data: map[string]string{}}, testLogger())
	main, err := handlers.NewMain(llm, chatStore, speech, handlers.Config{
		Language: "English",
		Renderer: stream.Config{TickInterval: time.Millisecond},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return main, chatStore
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func postForm(handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestNewMain(t *testing.T) {
	main, _ := newTestMain(t, &mockLLM{}, nil)

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	main, chatStore := newTestMain(t, &mockLLM{}, nil)

	sess := chatStore.Create()
	chatStore.AppendMessages(sess.ID, models.NewUserMessage("How deep should a tilapia pond be?"))

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "How deep should a tilapia pon", // Sidebar shows the derived title
		},
		{
			name:       "Home page with chat",
			url:        "/?chat_id=" + sess.ID,
			wantStatus: http.StatusOK,
			wantBody:   "How deep should a tilapia pond be?",
		},
		{
			name:       "Home page with unknown chat",
			url:        "/?chat_id=nope",
			wantStatus: http.StatusOK,
			wantBody:   "New Chat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleChatsValidation(t *testing.T) {
	main, _ := newTestMain(t, &mockLLM{reply: "ok"}, nil)

	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			form:       url.Values{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Unknown chat",
			method:     http.MethodPost,
			form:       url.Values{"message": {"hi"}, "chat_id": {"nope"}},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/chats", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatsNewChatFlow(t *testing.T) {
	llm := &mockLLM{reply: "Aim for pH 6.5–8.5."}
	main, chatStore := newTestMain(t, llm, nil)

	w := postForm(main.HandleChats, "/chats", url.Values{
		"message": {"What pH is ideal for tilapia?"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	sessions := chatStore.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	sess := sessions[0]
	if sess.Title != "What pH is ideal for tilapia?" {
		t.Errorf("title = %q, want %q", sess.Title, "What pH is ideal for tilapia?")
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sess.Messages))
	}
	if !sess.Messages[0].IsUser || sess.Messages[1].IsUser {
		t.Error("expected user message then assistant message")
	}

	asstID := sess.Messages[1].ID

	// The reveal eventually lands the full reply in the store, with the
	// message id unchanged.
	waitFor(t, func() bool {
		got, ok := chatStore.Get(sess.ID)
		return ok && len(got.Messages) == 2 &&
			got.Messages[1].State == models.StateComplete
	})

	got, _ := chatStore.Get(sess.ID)
	if got.Messages[1].Text != "Aim for pH 6.5–8.5." {
		t.Errorf("assistant text = %q, want %q", got.Messages[1].Text, "Aim for pH 6.5–8.5.")
	}
	if got.Messages[1].ID != asstID {
		t.Error("assistant message id changed during reveal")
	}

	llm.mu.Lock()
	defer llm.mu.Unlock()
	if llm.prompt != "What pH is ideal for tilapia?" {
		t.Errorf("prompt = %q", llm.prompt)
	}
	if llm.language != "English" {
		t.Errorf("language = %q", llm.language)
	}
}

func TestHandleChatsExistingChat(t *testing.T) {
	llm := &mockLLM{reply: "Second reply"}
	main, chatStore := newTestMain(t, llm, nil)

	sess := chatStore.Create()

	w := postForm(main.HandleChats, "/chats", url.Values{
		"message": {"Follow-up question"},
		"chat_id": {sess.ID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	waitFor(t, func() bool {
		got, ok := chatStore.Get(sess.ID)
		return ok && len(got.Messages) == 2 &&
			got.Messages[1].State == models.StateComplete
	})

	if len(chatStore.Sessions()) != 1 {
		t.Error("existing chat submission should not create a new session")
	}
}

// A follow-up submitted while the previous reply is still revealing must
// survive: the reveal patches its own message, not the whole list.
func TestHandleChatsSubmitDuringReveal(t *testing.T) {
	reply := strings.TrimSpace(strings.Repeat("deep ", 400))
	llm := &mockLLM{reply: reply}
	main, chatStore := newTestMain(t, llm, nil)

	sess := chatStore.Create()

	w := postForm(main.HandleChats, "/chats", url.Values{
		"message": {"How deep should a tilapia pond be?"},
		"chat_id": {sess.ID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	waitFor(t, func() bool {
		got, ok := chatStore.Get(sess.ID)
		return ok && len(got.Messages) == 2 &&
			got.Messages[1].State == models.StateStreaming
	})

	w = postForm(main.HandleChats, "/chats", url.Values{
		"message": {"And how warm?"},
		"chat_id": {sess.ID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	waitFor(t, func() bool {
		got, ok := chatStore.Get(sess.ID)
		return ok && len(got.Messages) == 4 &&
			got.Messages[1].State == models.StateComplete &&
			got.Messages[3].State == models.StateComplete
	})

	got, _ := chatStore.Get(sess.ID)
	if got.Messages[2].Text != "And how warm?" {
		t.Errorf("follow-up text = %q, want %q", got.Messages[2].Text, "And how warm?")
	}
	if got.Messages[1].Text != reply {
		t.Errorf("first reply truncated to %d bytes", len(got.Messages[1].Text))
	}
}

func TestHandleChatsLLMFailure(t *testing.T) {
	llm := &mockLLM{err: errors.New("model overloaded")}
	main, chatStore := newTestMain(t, llm, nil)

	w := postForm(main.HandleChats, "/chats", url.Values{
		"message": {"hello"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	sess := chatStore.Sessions()[0]
	waitFor(t, func() bool {
		got, ok := chatStore.Get(sess.ID)
		return ok && got.Messages[1].State == models.StateFailed
	})

	got, _ := chatStore.Get(sess.ID)
	if !strings.Contains(got.Messages[1].Text, "model overloaded") {
		t.Errorf("failed message text = %q, want the error string", got.Messages[1].Text)
	}
}

func TestHandleRetry(t *testing.T) {
	llm := &mockLLM{err: errors.New("model overloaded")}
	main, chatStore := newTestMain(t, llm, nil)

	postForm(main.HandleChats, "/chats", url.Values{"message": {"retry me"}})

	sess := chatStore.Sessions()[0]
	waitFor(t, func() bool {
		got, _ := chatStore.Get(sess.ID)
		return got.Messages[1].State == models.StateFailed
	})
	asstID := chatStore.Sessions()[0].Messages[1].ID

	// Second attempt succeeds.
	llm.mu.Lock()
	llm.err = nil
	llm.reply = "recovered"
	llm.mu.Unlock()

	w := postForm(main.HandleRetry, "/chats/retry", url.Values{
		"chat_id":    {sess.ID},
		"message_id": {asstID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleRetry() status = %v, want %v", w.Code, http.StatusOK)
	}

	waitFor(t, func() bool {
		got, _ := chatStore.Get(sess.ID)
		return got.Messages[1].State == models.StateComplete
	})

	got, _ := chatStore.Get(sess.ID)
	if got.Messages[1].Text != "recovered" {
		t.Errorf("retried text = %q, want %q", got.Messages[1].Text, "recovered")
	}
	if got.Messages[1].ID != asstID {
		t.Error("retry minted a new message id; identity must be preserved")
	}
}

func TestHandleStop(t *testing.T) {
	main, _ := newTestMain(t, &mockLLM{}, nil)

	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing message id",
			method:     http.MethodPost,
			form:       url.Values{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "No active reveal",
			method:     http.MethodPost,
			form:       url.Values{"message_id": {"idle"}},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/chats/stop", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleStop(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleStop() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleDeleteChat(t *testing.T) {
	main, chatStore := newTestMain(t, &mockLLM{}, nil)

	a := chatStore.Create()
	b := chatStore.Create()

	w := postForm(main.HandleDeleteChat, "/chats/delete", url.Values{"chat_id": {b.ID}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleDeleteChat() status = %v", w.Code)
	}
	if got := w.Header().Get("X-Next-Chat-Id"); got != a.ID {
		t.Errorf("next chat id = %q, want %q", got, a.ID)
	}
	if len(chatStore.Sessions()) != 1 {
		t.Errorf("expected 1 remaining session, got %d", len(chatStore.Sessions()))
	}

	w = postForm(main.HandleDeleteChat, "/chats/delete", url.Values{"chat_id": {a.ID}})
	if got := w.Header().Get("X-Next-Chat-Id"); got != "" {
		t.Errorf("next chat id after last delete = %q, want empty", got)
	}
	if len(chatStore.Sessions()) != 0 {
		t.Error("expected no remaining sessions")
	}
}

func TestHandleDeleteAll(t *testing.T) {
	main, chatStore := newTestMain(t, &mockLLM{}, nil)

	chatStore.Create()
	chatStore.Create()

	w := postForm(main.HandleDeleteAll, "/chats/delete-all", url.Values{})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleDeleteAll() status = %v", w.Code)
	}
	if len(chatStore.Sessions()) != 0 {
		t.Error("expected all sessions deleted")
	}
}

func TestHandleSpeech(t *testing.T) {
	synth := &mockSynth{dir: t.TempDir()}
	main, chatStore := newTestMain(t, &mockLLM{}, synth)

	sess := chatStore.Create()
	msg := models.Message{ID: "m1", Text: "Aim for pH 6.5-8.5.", State: models.StateComplete}
	chatStore.AppendMessages(sess.ID, models.NewUserMessage("pH?"), msg)

	form := url.Values{"chat_id": {sess.ID}, "message_id": {"m1"}}

	w := postForm(main.HandleSpeech, "/speech", form)
	if w.Code != http.StatusOK {
		t.Fatalf("HandleSpeech() status = %v, body = %v", w.Code, w.Body.String())
	}
	if w.Body.String() != "Aim for pH 6.5-8.5." {
		t.Errorf("audio body = %q", w.Body.String())
	}

	// Second request hits the cache; the synthesizer runs once.
	postForm(main.HandleSpeech, "/speech", form)
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if synth.calls != 1 {
		t.Errorf("synthesizer calls = %d, want 1", synth.calls)
	}
}

func TestHandleSpeechUnconfigured(t *testing.T) {
	main, _ := newTestMain(t, &mockLLM{}, nil)

	w := postForm(main.HandleSpeech, "/speech", url.Values{
		"chat_id":    {"x"},
		"message_id": {"y"},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("HandleSpeech() status = %v, want %v", w.Code, http.StatusServiceUnavailable)
	}
}
