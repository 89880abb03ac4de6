package handlers

import (
	"log/slog"
	"net/http"
)

type homePageData struct {
	CurrentChatID string
	Chats         []chatView
	Messages      []messageView
}

// HandleHome renders the home page: the chat sidebar plus, when a chat_id
// query parameter names an existing session, that session's messages.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")

	sessions := m.store.Sessions()
	chats := make([]chatView, len(sessions))
	for i, sess := range sessions {
		chats[i] = chatView{
			ID:     sess.ID,
			Title:  sess.Title,
			Active: sess.ID == chatID,
		}
	}

	data := homePageData{
		CurrentChatID: chatID,
		Chats:         chats,
	}

	if chatID != "" {
		sess, ok := m.store.Get(chatID)
		if !ok {
			// Stale bookmark or deleted chat; render the page without it.
			m.logger.Warn("Home request for unknown chat", slog.String("chatID", chatID))
			data.CurrentChatID = ""
		} else {
			data.Messages = make([]messageView, len(sess.Messages))
			for i, msg := range sess.Messages {
				data.Messages[i] = m.messageView(msg)
			}
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
