package stream

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aquachat-app/aqua-web-ui/internal/models"
)

// DefaultTickInterval is how often the next token is revealed.
const DefaultTickInterval = 30 * time.Millisecond

// Store is the slice of the chat store the renderer needs: it patches the
// revealed message back after increments so persisted state tracks displayed
// state. The patch is per-message so anything appended to the session during
// the reveal is left alone.
type Store interface {
	UpdateMessage(id string, message models.Message) (models.Session, bool)
}

// Config tunes a Renderer. The zero value means the default tick interval
// and persistence on every tick.
type Config struct {
	// TickInterval is the delay between revealed tokens.
	TickInterval time.Duration
	// PersistEvery throttles store writes to every Nth tick to limit write
	// amplification. Values below 2 persist on every tick. Completion and
	// cancellation always persist.
	PersistEvery int
}

// Renderer reveals completed responses into assistant messages on a fixed
// tick. At most one reveal is active per message id: starting a new reveal
// for an id first cancels any prior one, so two timers never race on the
// same message.
type Renderer struct {
	store  Store
	logger *slog.Logger

	tickInterval time.Duration
	persistEvery int

	mu     sync.Mutex
	active map[string]*reveal
}

// NewRenderer creates a Renderer writing through store.
func NewRenderer(store Store, cfg Config, logger *slog.Logger) *Renderer {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	persistEvery := cfg.PersistEvery
	if persistEvery < 1 {
		persistEvery = 1
	}
	return &Renderer{
		store:        store,
		logger:       logger.With(slog.String("module", "stream")),
		tickInterval: tick,
		persistEvery: persistEvery,
		active:       make(map[string]*reveal),
	}
}

type reveal struct {
	stopOnce sync.Once
	stop     chan struct{}
	finished chan struct{}
}

// Start begins revealing response into the message with id messageID inside
// the session's message list. The message transitions pending -> streaming on
// the first token and ends complete (or cancelled via Stop); both are
// terminal, after which no tick mutates the message again.
//
// onTick, if non-nil, receives a copy of the message after every mutation,
// including the terminal one.
func (r *Renderer) Start(
	sessionID string,
	messages []models.Message,
	messageID string,
	response string,
	onTick func(models.Message),
) error {
	idx := -1
	for i := range messages {
		if messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("message %s not found in session %s", messageID, sessionID)
	}

	rv := &reveal{
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	// A retry for the same turn must not leave the previous timer racing
	// against the new one. Another Start for the same id can slip in between
	// Stop returning and us registering, so re-check under the lock and stop
	// again until the slot is free.
	for {
		r.Stop(messageID)
		r.mu.Lock()
		if _, busy := r.active[messageID]; !busy {
			r.active[messageID] = rv
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()
	}

	go r.run(rv, sessionID, messages[idx], response, onTick)
	return nil
}

// Stop cancels the active reveal for messageID, if any, at the next tick
// boundary. The partial text is kept and the message is marked cancelled.
// Stopping an unknown or already-terminal message is a no-op.
func (r *Renderer) Stop(messageID string) {
	r.mu.Lock()
	rv, ok := r.active[messageID]
	r.mu.Unlock()
	if !ok {
		return
	}
	rv.stopOnce.Do(func() { close(rv.stop) })
	<-rv.finished
}

// Active reports whether a reveal is currently running for messageID.
func (r *Renderer) Active(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[messageID]
	return ok
}

func (r *Renderer) run(
	rv *reveal,
	sessionID string,
	msg models.Message,
	response string,
	onTick func(models.Message),
) {
	defer close(rv.finished)
	defer func() {
		r.mu.Lock()
		if r.active[msg.ID] == rv {
			delete(r.active, msg.ID)
		}
		r.mu.Unlock()
	}()

	tokens := Tokenize(response)
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	var acc strings.Builder
	next := 0
	sinceLastPersist := 0

	finalize := func(state models.State) {
		msg.Text = acc.String()
		msg.State = state
		if onTick != nil {
			onTick(msg)
		}
		if _, ok := r.store.UpdateMessage(sessionID, msg); !ok {
			r.logger.Warn("Final reveal update hit unknown session",
				slog.String("sessionID", sessionID))
		}
	}

	for {
		select {
		case <-rv.stop:
			finalize(models.StateCancelled)
			return
		case <-ticker.C:
			if next >= len(tokens) {
				finalize(models.StateComplete)
				return
			}

			acc.WriteString(tokens[next])
			next++
			msg.Text = acc.String()
			msg.State = models.StateStreaming
			if onTick != nil {
				onTick(msg)
			}

			sinceLastPersist++
			if sinceLastPersist >= r.persistEvery {
				sinceLastPersist = 0
				if _, ok := r.store.UpdateMessage(sessionID, msg); !ok {
					// Session was deleted out from under us. Close out
					// subscribers with a terminal update, skipping the
					// store write.
					r.logger.Warn("Reveal update hit unknown session, stopping",
						slog.String("sessionID", sessionID))
					msg.State = models.StateCancelled
					if onTick != nil {
						onTick(msg)
					}
					return
				}
			}
		}
	}
}
