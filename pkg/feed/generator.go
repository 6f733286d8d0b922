package feed

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/pkg/models"
)

const (
	SparklineWindow = 20
	maxStep         = 0.003 // per tick, as a fraction of price
	warmupStep      = 0.002
	defaultPrice    = 100.0
)

// for deterministic testing
type Clock interface {
	Now() time.Time
}

// for deterministic values
type Rand interface {
	Float64() float64
	Int63n(n int64) int64
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// BasePrices seeds the random walk for the default dashboard symbols.
var BasePrices = map[string]float64{
	"DIA": 420.0, "SPY": 530.0, "QQQ": 460.0, "IWM": 220.0,
	"JPM": 195.0, "GS": 480.0, "V": 280.0, "JNJ": 155.0, "WMT": 170.0,
	"AAPL": 190.0, "MSFT": 420.0, "GOOGL": 175.0, "AMZN": 185.0, "META": 510.0,
	"TSLA": 250.0, "NVDA": 800.0, "BRK.B": 410.0, "UNH": 520.0, "XOM": 105.0,
}

type symbolState struct {
	price     float64
	volume    int64
	timestamp int64
	sparkline []float64
}

// Generator random-walks a price per tracked symbol.
type Generator struct {
	logger     *zap.Logger
	basePrices map[string]float64
	rand       Rand
	clock      Clock

	mu      sync.RWMutex
	symbols map[string]*symbolState
	randMu  sync.Mutex
}

func NewGenerator(logger *zap.Logger, basePrices map[string]float64, rnd Rand, clock Clock) *Generator {
	return &Generator{
		logger:     logger,
		basePrices: basePrices,
		rand:       rnd,
		clock:      clock,
		symbols:    make(map[string]*symbolState),
	}
}

// Track starts walking any symbols not already tracked.
func (g *Generator) Track(symbols ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, raw := range symbols {
		sym := models.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if _, ok := g.symbols[sym]; ok {
			continue
		}
		base, ok := g.basePrices[sym]
		if !ok {
			base = defaultPrice
		}

		st := &symbolState{
			price:     base,
			volume:    100000 + g.int63n(4900000),
			timestamp: g.clock.Now().UnixMilli(),
			sparkline: make([]float64, 0, SparklineWindow),
		}
		walk := base
		for i := 0; i < SparklineWindow; i++ {
			walk = round2(walk * (1 + g.uniform(warmupStep)))
			st.sparkline = append(st.sparkline, walk)
		}
		g.symbols[sym] = st
	}
}

// Tick advances every tracked symbol by one step.
func (g *Generator) Tick() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UnixMilli()
	for _, st := range g.symbols {
		st.price = round2(st.price + st.price*g.uniform(maxStep))
		st.volume += 100 + g.int63n(4901)
		st.timestamp = now
		st.sparkline = append(st.sparkline, st.price)
		if len(st.sparkline) > SparklineWindow {
			st.sparkline = append([]float64(nil), st.sparkline[len(st.sparkline)-SparklineWindow:]...)
		}
	}
}

// Quotes returns entries for the tracked symbols among symbols, in order.
func (g *Generator) Quotes(symbols []string) []models.QuoteEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.QuoteEntry, 0, len(symbols))
	for _, sym := range symbols {
		st, ok := g.symbols[sym]
		if !ok {
			continue
		}
		out = append(out, models.QuoteEntry{
			Symbol:    sym,
			Price:     st.price,
			Volume:    st.volume,
			Timestamp: st.timestamp,
			Sparkline: append([]float64(nil), st.sparkline...),
		})
	}
	return out
}

// Run ticks every interval until ctx is done.
func (g *Generator) Run(ctx context.Context, interval time.Duration) {
	g.logger.Info("Generator Started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Tick()
		}
	}
}

// uniform returns a value in [-span, span).
func (g *Generator) uniform(span float64) float64 {
	g.randMu.Lock()
	defer g.randMu.Unlock()
	return -span + 2*span*g.rand.Float64()
}

func (g *Generator) int63n(n int64) int64 {
	g.randMu.Lock()
	defer g.randMu.Unlock()
	return g.rand.Int63n(n)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
