package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
)

// ErrNoRate means the currency has no USD valuation available.
var ErrNoRate = errors.New("no usd rate available")

// Oracle values one unit of a currency in USD.
type Oracle interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

type MarketReader interface {
	GetTradingPairBySymbol(ctx context.Context, symbol string) (storage.TradingPair, error)
	LastTradePrice(ctx context.Context, pairID uuid.UUID) (decimal.Decimal, error)
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// MarketOracle derives USD rates from the venue's own executions: the last
// trade price against a USD-pegged quote currency. Pegged currencies carry
// fixed rates from configuration.
type MarketOracle struct {
	reader MarketReader
	quotes []string
	static map[string]decimal.Decimal
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cachedRate
}

// NewMarketOracle builds an oracle that tries the given quote currencies in
// order when valuing a currency. static maps pegged currencies straight to
// USD rates and takes precedence.
func NewMarketOracle(reader MarketReader, quotes []string, static map[string]decimal.Decimal, ttl time.Duration) *MarketOracle {
	normalized := make(map[string]decimal.Decimal, len(static))
	for cur, rate := range static {
		normalized[strings.ToUpper(strings.TrimSpace(cur))] = rate
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MarketOracle{
		reader: reader,
		quotes: quotes,
		static: normalized,
		ttl:    ttl,
		cache:  make(map[string]cachedRate),
	}
}

func (o *MarketOracle) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return decimal.Decimal{}, ErrNoRate
	}
	if rate, ok := o.static[currency]; ok {
		return rate, nil
	}

	o.mu.RLock()
	cached, ok := o.cache[currency]
	o.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < o.ttl {
		return cached.rate, nil
	}

	rate, err := o.lookup(ctx, currency)
	if err != nil {
		if ok {
			// Serve the stale rate rather than valuing the holding at zero.
			return cached.rate, nil
		}
		return decimal.Decimal{}, err
	}

	o.mu.Lock()
	o.cache[currency] = cachedRate{rate: rate, fetchedAt: time.Now()}
	o.mu.Unlock()
	return rate, nil
}

func (o *MarketOracle) lookup(ctx context.Context, currency string) (decimal.Decimal, error) {
	for _, quote := range o.quotes {
		quote = strings.ToUpper(strings.TrimSpace(quote))
		if quote == "" || quote == currency {
			continue
		}
		pair, err := o.reader.GetTradingPairBySymbol(ctx, currency+"-"+quote)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return decimal.Decimal{}, err
		}
		price, err := o.reader.LastTradePrice(ctx, pair.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return decimal.Decimal{}, err
		}

		quoteRate := decimal.NewFromInt(1)
		if rate, ok := o.static[quote]; ok {
			quoteRate = rate
		}
		return price.Mul(quoteRate), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%s: %w", currency, ErrNoRate)
}
