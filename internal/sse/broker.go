// Package sse implements a Server-Sent Events broker that streams run
// progress and backup events to connected clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Event types published by the broker.
const (
	TypeProgress        = "progress"
	TypeRunCompleted    = "run.completed"
	TypeArtifactRemoved = "artifact.removed"
)

// ProgressData is the payload of a progress event.
type ProgressData struct {
	Run     string `json:"run"`
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// RunCompletedData is the payload of a run.completed event.
type RunCompletedData struct {
	Run    string `json:"run"`
	Result any    `json:"result"`
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients, per-run throttle state and the replay snapshot). Public methods
// communicate with this loop through channels, so no mutexes are required.
//
// A client that connects mid-run first receives the latest progress event of
// every active run and the most recent run.completed event.
type Broker struct {
	progressMin time.Duration
	keepAlive   time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithKeepAlive sets how often idle streams receive a comment line so
// proxies keep the connection open.
func WithKeepAlive(d time.Duration) BrokerOption {
	return func(b *Broker) { b.keepAlive = d }
}

// NewBroker creates a new SSE broker. Progress events of one run and phase are
// sent at most once per progressThrottle; phase changes and completion always go out.
func NewBroker(progressThrottle time.Duration, opts ...BrokerOption) *Broker {
	if progressThrottle <= 0 {
		progressThrottle = 250 * time.Millisecond
	}

	b := &Broker{
		progressMin:   progressThrottle,
		keepAlive:     30 * time.Second,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.keepAlive <= 0 {
		b.keepAlive = 30 * time.Second
	}

	go b.run()
	return b
}

type throttleState struct {
	phase string
	sent  time.Time
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	throttle := make(map[string]throttleState)
	latest := make(map[string][]byte) // run -> last progress message
	var (
		seq           uint64
		lastCompleted []byte
	)

	encode := func(event Event) []byte {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return nil
		}
		seq++
		return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))
	}

	send := func(ch chan []byte, raw []byte) {
		select {
		case ch <- raw:
		default:
			// Client buffer full; skip to avoid blocking broker loop.
		}
	}

	broadcast := func(raw []byte) {
		for ch := range clients {
			send(ch, raw)
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}
			runs := make([]string, 0, len(latest))
			for r := range latest {
				runs = append(runs, r)
			}
			sort.Strings(runs)
			for _, r := range runs {
				send(ch, latest[r])
			}
			if lastCompleted != nil {
				send(ch, lastCompleted)
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			p, isProgress := event.Data.(ProgressData)
			if isProgress {
				now := time.Now()
				st := throttle[p.Run]
				if st.phase == p.Phase && p.Percent < 100 && now.Sub(st.sent) < b.progressMin {
					continue
				}
				throttle[p.Run] = throttleState{phase: p.Phase, sent: now}
			}
			raw := encode(event)
			if raw == nil {
				continue
			}
			if isProgress {
				latest[p.Run] = raw
			}
			if done, ok := event.Data.(RunCompletedData); ok {
				delete(latest, done.Run)
				delete(throttle, done.Run)
				lastCompleted = raw
			}
			broadcast(raw)

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishProgress publishes a throttled progress event. Progress and other
// events share one queue so clients see them in publish order.
func (b *Broker) PublishProgress(p ProgressData) {
	b.Publish(Event{Type: TypeProgress, Data: p})
}

// PublishRunCompleted announces a finished import, export or backup run.
func (b *Broker) PublishRunCompleted(run string, result any) {
	b.Publish(Event{Type: TypeRunCompleted, Data: RunCompletedData{Run: run, Result: result}})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
