package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	aquawebui "github.com/aquachat-app/aqua-web-ui"
	"github.com/aquachat-app/aqua-web-ui/internal/models"
	"github.com/aquachat-app/aqua-web-ui/internal/services"
	"github.com/aquachat-app/aqua-web-ui/internal/stream"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

const errLoggerKey = "err"

// LLM represents the hosted completion model. It accepts a prompt and the
// natural language the reply should be written in, and returns the full
// reply text or an error. One request, one response; retries are the user's
// choice, never automatic.
type LLM interface {
	Complete(ctx context.Context, prompt, language string) (string, error)
}

// Store defines the slice of the chat store the web surface needs: session
// listing, lookup, creation, message appends and patches, and deletion.
// Appends and patches go through the store instead of replacing the whole
// message list, so handlers and the renderer never overwrite each other.
type Store interface {
	Sessions() []models.Session
	Get(id string) (models.Session, bool)
	Create() models.Session
	AppendMessages(id string, messages ...models.Message) (models.Session, bool)
	UpdateMessage(id string, message models.Message) (models.Session, bool)
	Delete(id string) []models.Session
	DeleteAll()
}

// Synthesizer converts final message text to a playable audio file and
// returns its path. Optional; a nil Synthesizer disables the speech surface.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// Config carries the tunables of the web surface.
type Config struct {
	// Language is the natural language replies are requested in.
	Language string
	// LLMTimeout bounds the completion call. Zero means no timeout.
	LLMTimeout time.Duration
	// Renderer tunes the reveal tick and persistence throttle.
	Renderer stream.Config
	// AudioCacheSize bounds the synthesized-audio LRU.
	AudioCacheSize int
}

// Main handles the core functionality of the chat application, managing
// server-sent events, HTML templates, and the interactions between the LLM,
// the chat store, and the response renderer.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	llm      LLM
	store    Store
	renderer *stream.Renderer

	speech     Synthesizer
	audioCache *services.AudioCache

	language   string
	llmTimeout time.Duration

	logger *slog.Logger
}

const chatsSSETopic = "chats"

// SSE event types for real-time updates.
var (
	chatsSSEType        = sse.Type("chats")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

// NewMain creates a new Main instance with the provided LLM, Store, and
// optional Synthesizer implementations. It initializes the SSE server and
// parses the HTML templates from the embedded filesystem. The SSE server is
// configured to handle both default events and chat-specific topics.
func NewMain(llm LLM, store Store, speech Synthesizer, cfg Config, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		aquawebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
			),
		),
	)

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				// Message-specific topic when the client wants reveal ticks
				// for a particular message.
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:  tmpl,
		markdown:   md,
		llm:        llm,
		store:      store,
		renderer:   stream.NewRenderer(store, cfg.Renderer, logger),
		speech:     speech,
		audioCache: services.NewAudioCache(cfg.AudioCacheSize, logger),
		language:   cfg.Language,
		llmTimeout: cfg.LLMTimeout,
		logger:     logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the event stream endpoint.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server and purges
// the synthesized-audio cache. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.audioCache.Purge()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// The SSE spec requires data on every event.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway.
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// renderMarkdown converts message text to sanitized-enough display HTML.
// Render failures fall back to the raw text.
func (m Main) renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(text), &buf); err != nil {
		m.logger.Warn("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String())
}

// chatDivs renders the sidebar list of chats with the given one highlighted.
func (m Main) chatDivs(activeID string) (string, error) {
	sessions := m.store.Sessions()

	var sb strings.Builder
	for _, sess := range sessions {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chatView{
			ID:     sess.ID,
			Title:  sess.Title,
			Active: sess.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

// publishChats pushes the refreshed chat list to every connected client.
func (m Main) publishChats(activeID string) {
	divs, err := m.chatDivs(activeID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: chatsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
}

// publishMessage pushes one reveal increment (or terminal update) of a
// message to its topic, followed by a close event once the message is
// terminal so clients can drop the subscription.
func (m Main) publishMessage(msg models.Message) {
	e := sse.Message{Type: messagesSSEType}
	e.AppendData(string(m.renderMarkdown(msg.Text)))
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}

	if msg.State.IsTerminal() {
		c := sse.Message{Type: closeMessageSSEType}
		c.AppendData(string(msg.State))
		_ = m.sseSrv.Publish(&c, messageIDTopic(msg.ID))
	}
}
