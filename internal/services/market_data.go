package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"asset-monitor/config"
	"asset-monitor/internal/models"
)

var errNoPrice = errors.New("no usable price")

// SymbolKey identifies one fetch: the same ticker may be priced as stock
// for one user and crypto for another.
type SymbolKey struct {
	Symbol string
	Class  models.AssetClass
}

// PriceFeed is what the monitor and the watchlist service need from market
// data. Lookups never fail loudly: a missing price is reported as absent.
type PriceFeed interface {
	FetchPrice(ctx context.Context, symbol string, class models.AssetClass) (float64, bool)
	FetchPrices(ctx context.Context, keys []SymbolKey) map[SymbolKey]float64
}

// QuoteSource is one upstream price provider.
type QuoteSource interface {
	Name() string
	Quote(ctx context.Context, key string) (float64, error)
}

// quoteSuffixes are the quote tickers a crypto pair may already carry.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

var knownCoins = map[string]struct{}{
	"BTC": {}, "ETH": {}, "SOL": {}, "BNB": {}, "XRP": {}, "ADA": {}, "DOGE": {},
	"DOT": {}, "MATIC": {}, "POL": {}, "AVAX": {}, "LTC": {}, "LINK": {}, "TRX": {},
	"SHIB": {}, "ATOM": {}, "UNI": {}, "XLM": {}, "NEAR": {}, "APT": {}, "ARB": {},
	"OP": {}, "PEPE": {}, "TON": {}, "SUI": {}, "USDT": {}, "USDC": {},
}

// DetectAssetClass classifies known coin tickers and symbols ending in a
// crypto quote ticker as crypto. Everything else is a stock.
func DetectAssetClass(symbol string) models.AssetClass {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := knownCoins[s]; ok {
		return models.AssetCrypto
	}
	if hasQuoteSuffix(s) {
		return models.AssetCrypto
	}
	return models.AssetStock
}

func hasQuoteSuffix(s string) bool {
	for _, q := range quoteSuffixes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return true
		}
	}
	return false
}

// cryptoPair turns BTC into BTCUSDT and leaves ETHBTC alone.
func cryptoPair(symbol string) string {
	if hasQuoteSuffix(symbol) {
		return symbol
	}
	return symbol + "USDT"
}

// MarketDataService prices stocks through the primary quote source and
// crypto through the primary source with an exchange-prefixed pair,
// falling back to the exchange's own ticker.
type MarketDataService struct {
	primary  QuoteSource
	fallback QuoteSource
	exchange string
	timeout  time.Duration
	limit    int
	metrics  *Metrics
	log      *zap.Logger
}

func NewMarketDataService(cfg config.PriceFeedConfig, metrics *Metrics, log *zap.Logger) *MarketDataService {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &MarketDataService{
		primary: &FinnhubSource{
			BaseURL: cfg.QuoteBaseURL,
			APIKey:  cfg.QuoteAPIKey,
			Client:  httpClient,
		},
		fallback: NewBinanceSource(cfg.BinanceBaseURL, httpClient),
		exchange: cfg.CryptoExchange,
		timeout:  timeout,
		limit:    cfg.MaxConcurrency,
		metrics:  metrics,
		log:      log,
	}
}

// WithSources swaps the upstream providers. fallback may be nil.
func (m *MarketDataService) WithSources(primary, fallback QuoteSource) *MarketDataService {
	m.primary = primary
	m.fallback = fallback
	return m
}

func (m *MarketDataService) FetchPrice(ctx context.Context, symbol string, class models.AssetClass) (float64, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, false
	}

	if class != models.AssetCrypto {
		return m.try(ctx, m.primary, symbol)
	}

	pair := cryptoPair(symbol)
	key := pair
	if m.exchange != "" {
		key = m.exchange + ":" + pair
	}
	if price, ok := m.try(ctx, m.primary, key); ok {
		return price, true
	}
	if m.fallback == nil {
		return 0, false
	}
	return m.try(ctx, m.fallback, pair)
}

func (m *MarketDataService) try(ctx context.Context, src QuoteSource, key string) (float64, bool) {
	if src == nil {
		return 0, false
	}
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	price, err := src.Quote(callCtx, key)
	if err == nil && price <= 0 {
		err = errNoPrice
	}
	if err != nil {
		m.metrics.fetch(src.Name(), "absent")
		m.log.Debug("price unavailable",
			zap.String("source", src.Name()),
			zap.String("key", key),
			zap.Error(err))
		return 0, false
	}
	m.metrics.fetch(src.Name(), "ok")
	return price, true
}

// FetchPrices looks up every distinct key concurrently. Keys without a
// usable price are left out of the result.
func (m *MarketDataService) FetchPrices(ctx context.Context, keys []SymbolKey) map[SymbolKey]float64 {
	out := make(map[SymbolKey]float64, len(keys))
	if len(keys) == 0 {
		return out
	}

	var (
		mu   sync.Mutex
		seen = make(map[SymbolKey]struct{}, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	if m.limit > 0 {
		g.SetLimit(m.limit)
	}
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		k := k
		g.Go(func() error {
			price, ok := m.FetchPrice(gctx, k.Symbol, k.Class)
			if !ok {
				return nil
			}
			mu.Lock()
			out[k] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Quote is the single-symbol lookup served to clients.
func (m *MarketDataService) Quote(ctx context.Context, symbol string, class models.AssetClass) (models.Quote, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !class.Valid() {
		class = DetectAssetClass(symbol)
	}
	price, ok := m.FetchPrice(ctx, symbol, class)
	if !ok {
		return models.Quote{}, false
	}
	return models.Quote{
		Symbol:     symbol,
		AssetClass: class,
		Price:      price,
		Timestamp:  time.Now().UTC(),
	}, true
}

// FinnhubSource reads the "c" (current price) field of a /quote response.
type FinnhubSource struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (s *FinnhubSource) Name() string { return "quote" }

func (s *FinnhubSource) Quote(ctx context.Context, key string) (float64, error) {
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		return 0, errors.New("quote source not configured")
	}
	q := url.Values{}
	q.Set("symbol", key)
	if s.APIKey != "" {
		q.Set("token", s.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/quote?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("quote request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read quote: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("quote status=%d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return 0, errors.New("quote response is not json")
	}
	c := gjson.GetBytes(body, "c")
	if !c.Exists() {
		return 0, errNoPrice
	}
	return c.Float(), nil
}

// BinanceSource prices a bare pair from the public spot ticker.
type BinanceSource struct {
	client *binance.Client
}

func NewBinanceSource(baseURL string, httpClient *http.Client) *BinanceSource {
	client := binance.NewClient("", "")
	if base := strings.TrimSpace(baseURL); base != "" {
		client.BaseURL = strings.TrimRight(base, "/")
	}
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) Quote(ctx context.Context, pair string) (float64, error) {
	prices, err := s.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p == nil || !strings.EqualFold(p.Symbol, pair) {
			continue
		}
		return strconv.ParseFloat(p.Price, 64)
	}
	return 0, errNoPrice
}
