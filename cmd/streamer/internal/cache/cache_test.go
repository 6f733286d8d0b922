package cache_test

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/cache"
	"github.com/jeffkershner/pulse/pkg/models"
)

func price(p float64) *float64 { return &p }

func TestCache_SnapshotThenUpdate(t *testing.T) {
	c := cache.New()

	c.ApplySnapshot([]models.QuoteEntry{
		{Symbol: "AAPL", Price: 150.00, Volume: 10, Timestamp: 1, Sparkline: []float64{149, 150}},
		{Symbol: "MSFT", Price: 300.00, Volume: 20, Timestamp: 1, Sparkline: []float64{300}},
	})
	c.ApplyUpdates([]models.QuoteEntry{
		{Symbol: "AAPL", Price: 151.25, Volume: 11, Timestamp: 2, Sparkline: []float64{150, 151.25}},
	})

	got, ok := c.Read("AAPL")
	if !ok {
		t.Fatal("Expected AAPL in cache")
	}
	want := models.Quote{
		Symbol: "AAPL", Price: 151.25, PrevPrice: price(150.00), Volume: 11, Timestamp: 2,
		Sparkline: []float64{150, 151.25},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AAPL mismatch (-want +got):\n%s", diff)
	}

	msft, _ := c.Read("MSFT")
	if msft.Price != 300.00 || msft.PrevPrice != nil {
		t.Errorf("MSFT should be untouched with no previous price, got %+v", msft)
	}
}

func TestCache_SnapshotResetsPreviousPrice(t *testing.T) {
	c := cache.New()
	c.ApplyUpdates([]models.QuoteEntry{{Symbol: "TSLA", Price: 700}})
	c.ApplyUpdates([]models.QuoteEntry{{Symbol: "TSLA", Price: 705}})

	if q, _ := c.Read("TSLA"); q.PrevPrice == nil {
		t.Fatal("Expected previous price after second update")
	}

	c.ApplySnapshot([]models.QuoteEntry{{Symbol: "TSLA", Price: 710}, {Symbol: "GOOG", Price: 2800}})

	for _, sym := range []string{"TSLA", "GOOG"} {
		q, ok := c.Read(sym)
		if !ok {
			t.Fatalf("Expected %s after snapshot", sym)
		}
		if q.PrevPrice != nil {
			t.Errorf("%s: snapshot must clear previous price, got %v", sym, *q.PrevPrice)
		}
	}
}

func TestCache_SnapshotReplacesWholeMapping(t *testing.T) {
	c := cache.New()
	c.ApplyUpdates([]models.QuoteEntry{{Symbol: "AMZN", Price: 3400}})
	c.ApplySnapshot([]models.QuoteEntry{{Symbol: "AAPL", Price: 150}})

	if _, ok := c.Read("AMZN"); ok {
		t.Error("Snapshot should drop symbols it does not carry")
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 cached symbol, got %d", c.Len())
	}
}

func TestCache_PreviousPriceIsPriceBeforeBatch(t *testing.T) {
	c := cache.New()

	batches := [][]models.QuoteEntry{
		{{Symbol: "AAPL", Price: 100}, {Symbol: "MSFT", Price: 200}},
		{{Symbol: "AAPL", Price: 101}},
		{{Symbol: "AAPL", Price: 102}, {Symbol: "MSFT", Price: 199}, {Symbol: "NVDA", Price: 800}},
		{{Symbol: "NVDA", Price: 801}, {Symbol: "NVDA", Price: 802}},
	}

	for i, batch := range batches {
		before := map[string]*float64{}
		for _, e := range batch {
			if q, ok := c.Read(e.Symbol); ok {
				before[e.Symbol] = price(q.Price)
			} else {
				before[e.Symbol] = nil
			}
		}

		c.ApplyUpdates(batch)

		for sym, want := range before {
			q, _ := c.Read(sym)
			if diff := cmp.Diff(want, q.PrevPrice); diff != "" {
				t.Errorf("batch %d %s previous price (-want +got):\n%s", i, sym, diff)
			}
		}
	}
}

func TestCache_NewSymbolRepeatedInBatchHasNoPrevious(t *testing.T) {
	c := cache.New()
	c.ApplyUpdates([]models.QuoteEntry{{Symbol: "XOM", Price: 105}, {Symbol: "XOM", Price: 106}})

	q, _ := c.Read("XOM")
	if q.Price != 106 {
		t.Errorf("Expected last entry to win, got %v", q.Price)
	}
	if q.PrevPrice != nil {
		t.Errorf("New symbol must not get a previous price, got %v", *q.PrevPrice)
	}
}

func TestCache_PreviousPriceTracksEveryBatch(t *testing.T) {
	c := cache.New()

	// timestamps are not monotonic across trades; every batch still applies
	batches := [][]models.QuoteEntry{
		{{Symbol: "JPM", Price: 195, Timestamp: 10}},
		{{Symbol: "JPM", Price: 196, Timestamp: 20}},
		{{Symbol: "JPM", Price: 190, Timestamp: 15}},
		{{Symbol: "JPM", Price: 191, Timestamp: 15}, {Symbol: "GS", Price: 480, Timestamp: 5}},
		{{Symbol: "GS", Price: 481, Timestamp: 0}, {Symbol: "JPM", Price: 189, Timestamp: 30}},
	}

	for i, batch := range batches {
		before := make(map[string]*float64)
		for _, e := range batch {
			if q, ok := c.Read(e.Symbol); ok {
				before[e.Symbol] = price(q.Price)
			} else {
				before[e.Symbol] = nil
			}
		}

		c.ApplyUpdates(batch)

		for _, e := range batch {
			q, _ := c.Read(e.Symbol)
			if q.Price != e.Price || q.Timestamp != e.Timestamp {
				t.Errorf("batch %d: %s not applied, got %+v", i, e.Symbol, q)
			}
			if diff := cmp.Diff(before[e.Symbol], q.PrevPrice); diff != "" {
				t.Errorf("batch %d: %s previous price (-want +got):\n%s", i, e.Symbol, diff)
			}
		}
	}
}

func TestCache_SparklineReplacedNotAppended(t *testing.T) {
	c := cache.New()
	c.ApplySnapshot([]models.QuoteEntry{{Symbol: "V", Price: 280, Sparkline: []float64{1, 2, 3}}})
	c.ApplyUpdates([]models.QuoteEntry{{Symbol: "V", Price: 281, Sparkline: []float64{9}}})

	q, _ := c.Read("V")
	if diff := cmp.Diff([]float64{9}, q.Sparkline); diff != "" {
		t.Errorf("sparkline (-want +got):\n%s", diff)
	}
}

func TestCache_ReadReturnsCopy(t *testing.T) {
	c := cache.New()
	c.ApplySnapshot([]models.QuoteEntry{{Symbol: "GS", Price: 480, Sparkline: []float64{480}}})

	q, _ := c.Read("GS")
	q.Sparkline[0] = 0

	again, _ := c.Read("GS")
	if again.Sparkline[0] != 480 {
		t.Error("Mutating a read quote leaked into the cache")
	}
}

func TestCache_OneNotificationPerBatch(t *testing.T) {
	c := cache.New()

	var got []cache.Mutation
	unsubscribe := c.Subscribe(func(m cache.Mutation) {
		got = append(got, m)
	})

	c.ApplySnapshot([]models.QuoteEntry{{Symbol: "AAPL", Price: 1}, {Symbol: "MSFT", Price: 2}})
	c.ApplyUpdates([]models.QuoteEntry{{Symbol: "MSFT", Price: 3}, {Symbol: "AAPL", Price: 4}, {Symbol: "WMT", Price: 5}})

	want := []cache.Mutation{
		{Kind: cache.KindSnapshot, Symbols: []string{"AAPL", "MSFT"}},
		{Kind: cache.KindUpdate, Symbols: []string{"AAPL", "MSFT", "WMT"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}

	unsubscribe()
	unsubscribe()
	c.ApplyUpdates([]models.QuoteEntry{{Symbol: "AAPL", Price: 6}})
	if len(got) != 2 {
		t.Errorf("Unsubscribed callback still invoked, %d notifications", len(got))
	}
}

func TestCache_SubscriberSeesCompleteBatch(t *testing.T) {
	c := cache.New()
	c.ApplySnapshot([]models.QuoteEntry{{Symbol: "A", Price: 1}, {Symbol: "B", Price: 1}})

	c.Subscribe(func(m cache.Mutation) {
		a, _ := c.Read("A")
		b, _ := c.Read("B")
		if a.Price != b.Price {
			t.Errorf("Subscriber observed a partial batch: A=%v B=%v", a.Price, b.Price)
		}
	})

	c.ApplyUpdates([]models.QuoteEntry{{Symbol: "A", Price: 2}, {Symbol: "B", Price: 2}})
}

func TestCache_MultipleSubscribersInOrder(t *testing.T) {
	c := cache.New()

	var mu sync.Mutex
	seen := map[string][]float64{}
	for _, name := range []string{"s1", "s2"} {
		name := name
		c.Subscribe(func(m cache.Mutation) {
			q, _ := c.Read("AAPL")
			mu.Lock()
			seen[name] = append(seen[name], q.Price)
			mu.Unlock()
		})
	}

	for i := 1; i <= 5; i++ {
		c.ApplyUpdates([]models.QuoteEntry{{Symbol: "AAPL", Price: float64(i)}})
	}

	want := []float64{1, 2, 3, 4, 5}
	for name, got := range seen {
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s order (-want +got):\n%s", name, diff)
		}
	}
}

func TestCache_ConcurrentReadersAndWriter(t *testing.T) {
	// Run with `go test -race ./...`
	c := cache.New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.ApplyUpdates([]models.QuoteEntry{{Symbol: "AAPL", Price: float64(i)}, {Symbol: "MSFT", Price: float64(i)}})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.ReadMany([]string{"AAPL", "MSFT"})
			}
		}()
	}
	wg.Wait()
}
