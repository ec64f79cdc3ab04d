package market

import "sync"

// Config bounds the per-symbol state the registry hands out.
type Config struct {
	// KlineCap caps each candle series length; <=0 uses the package default.
	KlineCap int
	// StrictBook rejects orderbook deltas arriving before any snapshot
	// instead of seeding the book from the first delta.
	StrictBook bool
}

// Registry owns all per-symbol reconstruction state. Objects are created
// lazily on first relevant message and live until Reset, which the engine
// calls on shutdown.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	books   map[string]*Book
	series  map[string]*Series
	tickers map[string]*Ticker
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config) *Registry {
	r := new(Registry)
	r.cfg = cfg
	r.books = make(map[string]*Book)
	r.series = make(map[string]*Series)
	r.tickers = make(map[string]*Ticker)
	return r
}

// Book returns the order book for the symbol, creating it on first access.
func (r *Registry) Book(symbol string) *Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.books[symbol]
	if !ok {
		book = NewBook(symbol, r.cfg.StrictBook)
		r.books[symbol] = book
	}
	return book
}

// Series returns the candle series for (symbol, interval), creating it on
// first access.
func (r *Registry) Series(symbol, interval string) *Series {
	key := symbol + "|" + interval
	r.mu.Lock()
	defer r.mu.Unlock()
	series, ok := r.series[key]
	if !ok {
		series = NewSeries(symbol, interval, r.cfg.KlineCap)
		r.series[key] = series
	}
	return series
}

// Ticker returns the merged ticker record for the symbol, creating it on
// first access.
func (r *Registry) Ticker(symbol string) *Ticker {
	r.mu.Lock()
	defer r.mu.Unlock()
	ticker, ok := r.tickers[symbol]
	if !ok {
		ticker = NewTicker(symbol)
		r.tickers[symbol] = ticker
	}
	return ticker
}

// Len reports how many state objects the registry currently owns.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.books) + len(r.series) + len(r.tickers)
}

// Reset drops all per-symbol state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books = make(map[string]*Book)
	r.series = make(map[string]*Series)
	r.tickers = make(map[string]*Ticker)
}
