package snapshot

import (
	"log/slog"
	"sync"

	"github.com/fontbakery/dashcache/pkg/meta"
)

// hub fans committed change records out to subscribers. A subscriber whose
// buffer is full misses the record; the change log keeps the full history.
type hub struct {
	mu   sync.Mutex
	subs map[int]chan meta.ChangeRecord
	next int
	log  *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{subs: make(map[int]chan meta.ChangeRecord), log: log}
}

func (h *hub) subscribe(buffer int) (<-chan meta.ChangeRecord, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan meta.ChangeRecord, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(rec meta.ChangeRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- rec:
		default:
			h.log.Warn("subscriber lagging, change record dropped", "subscriber", id, "seq", rec.Seq)
		}
	}
}
