package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"invtasks/internal/task/engine"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

const DefaultExchangeURL = "https://api.exchangerate.host/latest"

// DefaultCurrencies are the currencies kept when none are configured.
var DefaultCurrencies = []string{"AUD", "CAD", "CNY", "EUR", "GBP", "JPY", "NZD", "USD"}

type ExchangeConfig struct {
	URL          string
	BaseCurrency string // default USD
	Currencies   []string
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// UpdateExchangeRates refreshes rates against the base currency and drops
// rates for currencies that are no longer configured.
func (j *Jobs) UpdateExchangeRates(ctx context.Context, _ registry.Args) error {
	if !j.ready("update_exchange_rates") {
		return nil
	}
	cfg := j.config().Exchange
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = DefaultExchangeURL
	}
	base := strings.ToUpper(strings.TrimSpace(cfg.BaseCurrency))
	if base == "" {
		base = "USD"
	}
	currencies := cfg.Currencies
	if len(currencies) == 0 {
		currencies = DefaultCurrencies
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("exchange url: %w", err))
	}
	q := u.Query()
	q.Set("base", base)
	q.Set("symbols", strings.Join(currencies, ","))
	u.RawQuery = q.Encode()

	j.log.Info("updating exchange rates", logx.String("url", endpoint), logx.String("base", base))
	resp, err := j.http.Get(ctx, u.String())
	if err != nil {
		return fmt.Errorf("update exchange rates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code from exchange backend: %d", resp.StatusCode)
	}
	var body ratesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return engine.NoRetry(fmt.Errorf("decode rates: %w", err))
	}
	if len(body.Rates) == 0 {
		return engine.NoRetry(fmt.Errorf("exchange backend returned no rates"))
	}

	rates := make(map[string]float64, len(body.Rates))
	for cur, v := range body.Rates {
		rates[strings.ToUpper(cur)] = v
	}
	// The base currency always converts to itself.
	rates[base] = 1

	now := j.now()
	if err := j.store.UpsertRates(ctx, base, rates, now); err != nil {
		return j.storeSkipped("update_exchange_rates", err)
	}
	n, err := j.store.DeleteRatesExcept(ctx, currencies)
	if err != nil {
		return j.storeSkipped("update_exchange_rates", err)
	}
	j.log.Info("exchange rates updated", logx.Int("rates", len(rates)), logx.Int64("removed", n))
	return nil
}
