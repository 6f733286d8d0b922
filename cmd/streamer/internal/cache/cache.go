package cache

import (
	"sort"
	"sync"

	"github.com/jeffkershner/pulse/pkg/models"
)

// Kind tells subscribers which operation produced a mutation.
type Kind int

const (
	KindSnapshot Kind = iota
	KindUpdate
)

func (k Kind) String() string {
	if k == KindSnapshot {
		return "snapshot"
	}
	return "update"
}

// Mutation describes one completed ApplySnapshot or ApplyUpdates call.
type Mutation struct {
	Kind    Kind
	Symbols []string // symbols written by the mutation, sorted
}

// QuoteCache holds the latest quote per symbol.
//
// Writes are serialized by writeMu, so subscribers observe mutations in the order they
// happened. Subscribers run after the batch is visible to Read and must not call
// ApplySnapshot/ApplyUpdates themselves.
type QuoteCache struct {
	writeMu sync.Mutex

	mu     sync.RWMutex
	quotes map[string]models.Quote

	subMu   sync.Mutex
	nextID  uint64
	subs    map[uint64]func(Mutation)
	ordered []uint64
}

func New() *QuoteCache {
	return &QuoteCache{
		quotes: make(map[string]models.Quote),
		subs:   make(map[uint64]func(Mutation)),
	}
}

// ApplySnapshot replaces the whole mapping. Every entry starts without a previous price.
func (c *QuoteCache) ApplySnapshot(entries []models.QuoteEntry) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := make(map[string]models.Quote, len(entries))
	for _, e := range entries {
		next[e.Symbol] = fromEntry(e, nil)
	}

	c.mu.Lock()
	c.quotes = next
	c.mu.Unlock()

	c.notify(Mutation{Kind: KindSnapshot, Symbols: sortedKeys(next)})
}

// ApplyUpdates upserts each entry, in arrival order. PrevPrice is the symbol's price
// before this batch.
func (c *QuoteCache) ApplyUpdates(entries []models.QuoteEntry) {
	if len(entries) == 0 {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	type prior struct {
		quote  models.Quote
		exists bool
	}

	c.mu.Lock()
	before := make(map[string]prior, len(entries))
	touched := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		p, checked := before[e.Symbol]
		if !checked {
			q, ok := c.quotes[e.Symbol]
			p = prior{quote: q, exists: ok}
			before[e.Symbol] = p
		}

		var prev *float64
		if p.exists {
			price := p.quote.Price
			prev = &price
		}
		c.quotes[e.Symbol] = fromEntry(e, prev)
		touched[e.Symbol] = struct{}{}
	}
	c.mu.Unlock()

	c.notify(Mutation{Kind: KindUpdate, Symbols: sortedKeys(touched)})
}

// Read returns a copy of the current quote for symbol.
func (c *QuoteCache) Read(symbol string) (models.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[symbol]
	if !ok {
		return models.Quote{}, false
	}
	return q.Clone(), true
}

// ReadMany returns copies of the cached quotes among symbols, in the given order.
// Unknown symbols are skipped.
func (c *QuoteCache) ReadMany(symbols []string) []models.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Quote, 0, len(symbols))
	for _, s := range symbols {
		if q, ok := c.quotes[s]; ok {
			out = append(out, q.Clone())
		}
	}
	return out
}

// Len reports how many symbols are cached.
func (c *QuoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// Subscribe registers fn for every future mutation and returns its unsubscribe handle.
func (c *QuoteCache) Subscribe(fn func(Mutation)) func() {
	c.subMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	c.ordered = append(c.ordered, id)
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			delete(c.subs, id)
			for i, v := range c.ordered {
				if v == id {
					c.ordered = append(c.ordered[:i], c.ordered[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *QuoteCache) notify(m Mutation) {
	c.subMu.Lock()
	fns := make([]func(Mutation), 0, len(c.ordered))
	for _, id := range c.ordered {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(m)
	}
}

func fromEntry(e models.QuoteEntry, prev *float64) models.Quote {
	var spark []float64
	if e.Sparkline != nil {
		spark = append([]float64(nil), e.Sparkline...)
	}
	return models.Quote{
		Symbol:    e.Symbol,
		Price:     e.Price,
		PrevPrice: prev,
		Volume:    e.Volume,
		Timestamp: e.Timestamp,
		Sparkline: spark,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
