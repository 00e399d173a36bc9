package notify

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Broadcaster fans notices out to Server-Sent Events subscribers. A slow
// subscriber loses notices rather than blocking the sender.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[int]chan []byte
	nextID  int
	buffer  int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[int]chan []byte), buffer: 16}
}

// Subscribe registers a client. The returned cancel func must be called.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan []byte, b.buffer)
	b.clients[id] = ch
	n := len(b.clients)
	b.mu.Unlock()
	log.Debug().Int("client", id).Int("clients", n).Msg("notice subscriber connected")

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, id)
			b.mu.Unlock()
			log.Debug().Int("client", id).Msg("notice subscriber disconnected")
		})
	}
}

// ClientCount returns the number of subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) Notify(n Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msg("marshal notice")
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.clients {
		select {
		case ch <- data:
		default:
			log.Warn().Int("client", id).Str("kind", n.Kind).Msg("notice subscriber too slow; dropping")
		}
	}
}

// ServeHTTP streams notices until the request ends.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			if _, err := fmt.Fprintf(w, "event: notice\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
