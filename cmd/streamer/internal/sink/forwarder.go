package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/cache"
	"github.com/jeffkershner/pulse/pkg/models"
)

const publishTimeout = 5 * time.Second

// Forwarder copies every cache mutation to a Publisher on its own goroutine. Batches
// are dropped when the buffer is full so a slow sink never stalls the stream.
type Forwarder struct {
	quotes    QuoteSource
	publisher Publisher
	logger    *zap.Logger
	buffer    int

	mu      sync.Mutex
	batches chan []models.Quote
	closed  bool
	dropped int
}

func NewForwarder(quotes QuoteSource, publisher Publisher, buffer int, logger *zap.Logger) *Forwarder {
	if buffer <= 0 {
		buffer = 1
	}
	return &Forwarder{
		quotes:    quotes,
		publisher: publisher,
		logger:    logger,
		buffer:    buffer,
		batches:   make(chan []models.Quote, buffer),
	}
}

// Run subscribes to the cache and publishes until ctx is done, then drains what is
// already queued.
func (f *Forwarder) Run(ctx context.Context) error {
	unsubscribe := f.quotes.Subscribe(f.onMutation)

	var wg sync.WaitGroup
	wg.Add(1)
	go f.worker(&wg)

	f.logger.Info("Forwarder Started", zap.Int("buffer", f.buffer))
	<-ctx.Done()

	unsubscribe()
	f.mu.Lock()
	f.closed = true
	close(f.batches)
	f.mu.Unlock()

	f.logger.Info("Waiting for forwarder to drain...")
	wg.Wait()
	return f.publisher.Close()
}

// Dropped is the number of batches discarded because the buffer was full.
func (f *Forwarder) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *Forwarder) onMutation(m cache.Mutation) {
	quotes := f.quotes.ReadMany(m.Symbols)
	if len(quotes) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.batches <- quotes:
	default:
		f.dropped++
		f.logger.Warn("Dropping slow batch", zap.Int("quotes", len(quotes)), zap.String("kind", m.Kind.String()))
	}
}

func (f *Forwarder) worker(wg *sync.WaitGroup) {
	defer wg.Done()

	for batch := range f.batches {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := f.publisher.Publish(ctx, batch); err != nil {
			f.logger.Error("Publish Error", zap.Error(err), zap.Int("quotes", len(batch)))
		} else {
			f.logger.Debug("Published", zap.Int("quotes", len(batch)))
		}
		cancel()
	}
}
