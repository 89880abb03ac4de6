package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/aquachat-app/aqua-web-ui/internal/models"
)

// chatView is the template-facing shape of a session in the sidebar.
type chatView struct {
	ID    string
	Title string

	Active bool
}

// messageView is the template-facing shape of a message.
type messageView struct {
	ID      string
	Role    string
	Content template.HTML
	State   string
}

func (m Main) messageView(msg models.Message) messageView {
	role := "assistant"
	if msg.IsUser {
		role = "user"
	}
	return messageView{
		ID:      msg.ID,
		Role:    role,
		Content: m.renderMarkdown(msg.Text),
		State:   string(msg.State),
	}
}

// HandleChats processes chat submissions through HTTP POST requests,
// managing both new chat creation and follow-up turns in an existing chat.
//
// The handler expects a "message" form field and an optional "chat_id"
// field. With no chat_id it creates a new session; either way it appends the
// user message and a pending assistant placeholder in one atomic store
// update, kicks off the completion call in the background, and renders
// either the whole chatbox (new chat) or the two message partials
// (existing chat). The assistant reply itself arrives over SSE as the
// renderer reveals it.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	prompt := r.FormValue("message")
	if prompt == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	chatID := r.FormValue("chat_id")
	isNewChat := chatID == ""
	if isNewChat {
		chatID = m.store.Create().ID
	}

	userMsg := models.NewUserMessage(prompt)
	asstMsg := models.NewAssistantMessage()

	// Appending through the store keeps this submission from overwriting a
	// reveal still running on an earlier turn, and vice versa.
	updated, ok := m.store.AppendMessages(chatID, userMsg, asstMsg)
	if !ok {
		m.logger.Warn("Submission for unknown chat", slog.String("chatID", chatID))
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	// Title may have just been derived from the first user message.
	m.publishChats(chatID)

	go m.generate(chatID, prompt, asstMsg.ID)

	if isNewChat {
		views := make([]messageView, len(updated.Messages))
		for i, msg := range updated.Messages {
			views[i] = m.messageView(msg)
		}
		data := homePageData{
			CurrentChatID: chatID,
			Messages:      views,
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", m.messageView(userMsg)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", m.messageView(asstMsg)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// generate runs the completion call for the pending assistant message and
// hands the reply to the renderer. On upstream failure the placeholder goes
// straight from pending to failed; the renderer is never started.
func (m Main) generate(chatID, prompt, messageID string) {
	ctx := context.Background()
	if m.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.llmTimeout)
		defer cancel()
	}

	reply, err := m.llm.Complete(ctx, prompt, m.language)
	if err != nil {
		m.logger.Error("Completion call failed",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		m.failMessage(chatID, messageID, err.Error())
		return
	}

	sess, ok := m.store.Get(chatID)
	if !ok {
		// Chat was deleted while the call was in flight.
		m.logger.Warn("Chat disappeared before reveal", slog.String("chatID", chatID))
		return
	}

	if err := m.renderer.Start(chatID, sess.Messages, messageID, reply, m.publishMessage); err != nil {
		m.logger.Error("Failed to start reveal",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// failMessage transitions the placeholder to the terminal failed state, with
// the error string as its display text, and pushes the update out.
func (m Main) failMessage(chatID, messageID, errText string) {
	sess, ok := m.store.Get(chatID)
	if !ok {
		return
	}

	msg, ok := models.FindMessage(sess.Messages, messageID)
	if !ok {
		m.logger.Warn("Failed message not found",
			slog.String("chatID", chatID),
			slog.String("messageID", messageID))
		return
	}

	msg.Text = errText
	msg.State = models.StateFailed
	if _, ok := m.store.UpdateMessage(chatID, msg); ok {
		m.publishMessage(msg)
	}
}

// HandleStop cancels an in-flight reveal. The partial text is kept; the
// message becomes terminal. Stopping a message with no active reveal is a
// no-op.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	messageID := r.FormValue("message_id")
	if messageID == "" {
		http.Error(w, "Message id is required", http.StatusBadRequest)
		return
	}

	m.renderer.Stop(messageID)
	w.WriteHeader(http.StatusOK)
}

// HandleRetry replays a failed (or cancelled) turn. The assistant message
// keeps its id and re-enters pending; the prompt is the closest preceding
// user message.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	messageID := r.FormValue("message_id")
	if chatID == "" || messageID == "" {
		http.Error(w, "Chat id and message id are required", http.StatusBadRequest)
		return
	}

	sess, ok := m.store.Get(chatID)
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	// Make sure no stale timer is still writing to this message.
	m.renderer.Stop(messageID)

	idx := -1
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx == -1 || sess.Messages[idx].IsUser {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}

	prompt := ""
	for i := idx - 1; i >= 0; i-- {
		if sess.Messages[i].IsUser {
			prompt = sess.Messages[i].Text
			break
		}
	}
	if prompt == "" {
		http.Error(w, "No prompt to retry", http.StatusBadRequest)
		return
	}

	msg := sess.Messages[idx]
	msg.Text = ""
	msg.State = models.StatePending
	if _, ok := m.store.UpdateMessage(chatID, msg); !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	go m.generate(chatID, prompt, messageID)

	if err := m.templates.ExecuteTemplate(w, "ai_message", m.messageView(msg)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleDeleteChat removes one chat and re-renders the sidebar. The response
// carries the id of the most recent remaining chat (empty when none) so the
// client can re-select.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		http.Error(w, "Chat id is required", http.StatusBadRequest)
		return
	}

	remaining := m.store.Delete(chatID)

	nextID := ""
	if len(remaining) > 0 {
		nextID = remaining[0].ID
	}
	w.Header().Set("X-Next-Chat-Id", nextID)

	m.publishChats(nextID)

	divs, err := m.chatDivs(nextID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := w.Write([]byte(divs)); err != nil {
		m.logger.Error("Failed to write chat divs", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleDeleteAll removes every chat.
func (m Main) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.store.DeleteAll()
	m.publishChats("")
	w.WriteHeader(http.StatusOK)
}

// HandleSpeech serves synthesized audio for a message's final text, caching
// the result per message id. Returns 503 when no synthesizer is configured.
func (m Main) HandleSpeech(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if m.speech == nil {
		http.Error(w, "Speech is not configured", http.StatusServiceUnavailable)
		return
	}

	chatID := r.FormValue("chat_id")
	messageID := r.FormValue("message_id")
	if chatID == "" || messageID == "" {
		http.Error(w, "Chat id and message id are required", http.StatusBadRequest)
		return
	}

	sess, ok := m.store.Get(chatID)
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	msg, ok := models.FindMessage(sess.Messages, messageID)
	if !ok {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	if !msg.State.IsTerminal() {
		http.Error(w, "Message is still streaming", http.StatusConflict)
		return
	}

	if path, ok := m.audioCache.Get(messageID); ok {
		http.ServeFile(w, r, path)
		return
	}

	path, err := m.speech.Synthesize(r.Context(), msg.Text)
	if err != nil {
		m.logger.Error("Failed to synthesize speech",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.audioCache.Put(messageID, path)
	http.ServeFile(w, r, path)
}
