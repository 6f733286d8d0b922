package hub

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/cache"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/controller"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/protocol"
	"github.com/jeffkershner/pulse/pkg/models"
)

type ClientInterface interface {
	ID() string
	SendJSON(v interface{})
	Close()
}

// QuoteSource is the read side of the quote cache.
type QuoteSource interface {
	ReadMany(symbols []string) []models.Quote
	Subscribe(fn func(cache.Mutation)) func()
}

// SourceSetter receives the set of symbols local clients are watching.
type SourceSetter interface {
	SetSource(name string, symbols []string)
}

// Hub fans cache mutations out to websocket clients and reports their combined
// interest upstream.
type Hub struct {
	subscribers map[string]map[ClientInterface]bool
	clientSubs  map[ClientInterface]map[string]bool
	refCount    map[string]int

	quotes      QuoteSource
	feed        SourceSetter
	logger      *zap.Logger
	unsubscribe func()

	mu     sync.RWMutex
	feedMu sync.Mutex // orders SetSource calls; never held together with mu
}

func NewHub(quotes QuoteSource, feed SourceSetter, logger *zap.Logger) *Hub {
	h := &Hub{
		subscribers: make(map[string]map[ClientInterface]bool),
		clientSubs:  make(map[ClientInterface]map[string]bool),
		refCount:    make(map[string]int),
		quotes:      quotes,
		feed:        feed,
		logger:      logger,
	}
	h.unsubscribe = quotes.Subscribe(h.OnMutation)
	return h
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest) {
	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(client, req)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(client, req)
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func (h *Hub) handleSubscribe(client ClientInterface, req protocol.WSRequest) {
	changed := h.subscribe(client, req)
	if changed {
		h.syncFeed()
	}
}

func (h *Hub) subscribe(client ClientInterface, req protocol.WSRequest) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	var valid []string
	seen := make(map[string]bool)
	for _, raw := range req.Payload.Symbols {
		s := models.NormalizeSymbol(raw)
		if !models.ValidSymbol(s) || seen[s] {
			continue
		}
		seen[s] = true
		if h.clientSubs[client] != nil && h.clientSubs[client][s] {
			continue
		}
		valid = append(valid, s)
	}

	if len(valid) == 0 {
		h.sendError(client, req.ID, "No valid/new symbols provided")
		return false
	}

	if h.clientSubs[client] == nil {
		h.clientSubs[client] = make(map[string]bool)
	}

	changed := false
	for _, sym := range valid {
		h.clientSubs[client][sym] = true
		if h.subscribers[sym] == nil {
			h.subscribers[sym] = make(map[ClientInterface]bool)
		}
		h.subscribers[sym][client] = true

		h.refCount[sym]++
		if h.refCount[sym] == 1 {
			changed = true
		}
	}

	h.sendAck(client, req.ID, "success", fmt.Sprintf("Subscribed to %v", valid))

	// Whatever is cached now; later changes arrive as quote messages.
	if snap := h.quotes.ReadMany(valid); len(snap) > 0 {
		client.SendJSON(protocol.WSResponse{Type: protocol.TypeSnapshot, Data: snap})
	}
	return changed
}

func (h *Hub) handleUnsubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	var removed []string
	changed := false
	if subs, ok := h.clientSubs[client]; ok {
		for _, raw := range req.Payload.Symbols {
			sym := models.NormalizeSymbol(raw)
			if subs[sym] {
				delete(subs, sym)
				delete(h.subscribers[sym], client)
				removed = append(removed, sym)
				changed = h.decreaseRefCount(sym) || changed
			}
		}
	}

	if len(removed) > 0 {
		h.sendAck(client, req.ID, "success", fmt.Sprintf("Unsubscribed from %v", removed))
	} else {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", req.Payload.Symbols))
	}
	h.mu.Unlock()

	if changed {
		h.syncFeed()
	}
}

func (h *Hub) handleUnsubscribeAll(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	changed := h.dropClientSubsLocked(client)
	if _, ok := h.clientSubs[client]; ok {
		// keep the client registered
		h.clientSubs[client] = make(map[string]bool)
	}
	h.sendAck(client, req.ID, "success", "Unsubscribed from all symbols")
	h.mu.Unlock()

	if changed {
		h.syncFeed()
	}
}

func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	changed := h.dropClientSubsLocked(client)
	delete(h.clientSubs, client)
	client.Close()
	h.mu.Unlock()

	if changed {
		h.syncFeed()
	}
}

// OnMutation is the cache subscriber. A snapshot resends each client its full view,
// an update sends only the changed symbols.
func (h *Hub) OnMutation(m cache.Mutation) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	perClient := make(map[ClientInterface][]string)
	if m.Kind == cache.KindSnapshot {
		for client, subs := range h.clientSubs {
			for sym := range subs {
				perClient[client] = append(perClient[client], sym)
			}
		}
	} else {
		for _, sym := range m.Symbols {
			for client := range h.subscribers[sym] {
				perClient[client] = append(perClient[client], sym)
			}
		}
	}

	msgType := protocol.TypeQuote
	if m.Kind == cache.KindSnapshot {
		msgType = protocol.TypeSnapshot
	}
	for client, syms := range perClient {
		sort.Strings(syms)
		quotes := h.quotes.ReadMany(syms)
		if len(quotes) == 0 && m.Kind != cache.KindSnapshot {
			continue
		}
		client.SendJSON(protocol.WSResponse{Type: msgType, Data: quotes})
	}
}

// Symbols returns every symbol at least one client watches, sorted.
func (h *Hub) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.symbolsLocked()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientSubs)
}

// Shutdown detaches from the cache and closes every client.
func (h *Hub) Shutdown() {
	h.unsubscribe()

	h.mu.Lock()
	for client := range h.clientSubs {
		client.Close()
	}
	h.subscribers = make(map[string]map[ClientInterface]bool)
	h.clientSubs = make(map[ClientInterface]map[string]bool)
	h.refCount = make(map[string]int)
	h.mu.Unlock()
}

// Register tracks a client before its first command so Shutdown can reach it.
func (h *Hub) Register(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clientSubs[client]; !ok {
		h.clientSubs[client] = make(map[string]bool)
	}
}

func (h *Hub) syncFeed() {
	if h.feed == nil {
		return
	}
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	h.mu.RLock()
	symbols := h.symbolsLocked()
	h.mu.RUnlock()

	h.feed.SetSource(controller.SourceClients, symbols)
}

func (h *Hub) symbolsLocked() []string {
	out := make([]string, 0, len(h.refCount))
	for sym := range h.refCount {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) dropClientSubsLocked(client ClientInterface) bool {
	changed := false
	for sym := range h.clientSubs[client] {
		delete(h.subscribers[sym], client)
		changed = h.decreaseRefCount(sym) || changed
	}
	return changed
}

// decreaseRefCount reports whether the last watcher of symbol went away.
func (h *Hub) decreaseRefCount(symbol string) bool {
	h.refCount[symbol]--
	if h.refCount[symbol] > 0 {
		return false
	}
	delete(h.refCount, symbol)
	delete(h.subscribers, symbol)
	return true
}

func (h *Hub) sendAck(c ClientInterface, id, status, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeAck, ID: id, Status: status, Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, ID: id, Message: msg})
}
