package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"chainfeed"
	"chainfeed/internal/truth"
)

const (
	polygonDefaultBaseURL = "https://api.polygon.io"
	polygonHTTPTimeout    = 10 * time.Second
	polygonSnapshotLimit  = 250
)

// Polygon fetches option-chain snapshots from the Polygon.io REST API.
type Polygon struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewPolygon builds the adapter from a truth provider entry. The API key
// resolves literal > named env var > POLYGON_API_KEY; the base URL from
// the entry, then POLYGON_BASE_URL, then the public endpoint.
func NewPolygon(cfg truth.DataProvider) (*Polygon, error) {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if key == "" {
		key = os.Getenv("POLYGON_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("polygon: no api key (set api_key, %s, or POLYGON_API_KEY)", cfg.APIKeyEnv)
	}
	base := cfg.BaseURL
	if base == "" {
		base = os.Getenv("POLYGON_BASE_URL")
	}
	if base == "" {
		base = polygonDefaultBaseURL
	}
	return &Polygon{
		apiKey:  key,
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: polygonHTTPTimeout},
		// Stay inside the starter-tier quota with headroom for bursts.
		limiter: rate.NewLimiter(rate.Every(time.Second), 4),
	}, nil
}

func (p *Polygon) Name() string { return "polygon" }

// FetchChain retrieves the snapshot for symbol. HTTP errors and non-200
// statuses surface as transient errors for the worker's retry policy.
func (p *Polygon) FetchChain(ctx context.Context, symbol string) (RawPayload, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v3/snapshot/options/%s?limit=%d&apiKey=%s",
		p.baseURL, strings.ToUpper(symbol), polygonSnapshotLimit, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("polygon request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polygon fetch %s: %w", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polygon fetch %s: status %d", symbol, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("polygon read %s: %w", symbol, err)
	}
	return body, nil
}

// NormalizePolygon maps the v3 snapshot shape (details/greeks/last_quote/
// day sub-objects) to canonical contracts. Entries missing contract type,
// strike, or expiry are dropped and counted.
func NormalizePolygon(payload RawPayload) ([]chainfeed.OptionContract, int, error) {
	root := gjson.ParseBytes(payload)
	results := root.Get("results")
	if !results.Exists() || !results.IsArray() {
		return nil, 0, fmt.Errorf("polygon payload: no results array")
	}

	var out []chainfeed.OptionContract
	dropped := 0
	results.ForEach(func(_, item gjson.Result) bool {
		ct := chainfeed.ContractType(strings.ToLower(item.Get("details.contract_type").String()))
		strike := item.Get("details.strike_price")
		expiry := item.Get("details.expiration_date").String()
		if (ct != chainfeed.Call && ct != chainfeed.Put) || !strike.Exists() || expiry == "" {
			dropped++
			return true
		}
		out = append(out, chainfeed.OptionContract{
			ContractType: ct,
			Strike:       strike.Float(),
			Expiry:       expiry,
			Bid:          floatField(item, "last_quote.bid"),
			Ask:          floatField(item, "last_quote.ask"),
			Mark:         floatField(item, "last_quote.midpoint"),
			IV:           floatField(item, "implied_volatility"),
			Delta:        floatField(item, "greeks.delta"),
			Gamma:        floatField(item, "greeks.gamma"),
			Theta:        floatField(item, "greeks.theta"),
			Vega:         floatField(item, "greeks.vega"),
			OI:           intField(item, "open_interest"),
			Volume:       intField(item, "day.volume"),
			Updated:      updatedField(item),
		})
		return true
	})
	return out, dropped, nil
}

func floatField(item gjson.Result, path string) *float64 {
	v := item.Get(path)
	if !v.Exists() || v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}

func intField(item gjson.Result, path string) *int64 {
	v := item.Get(path)
	if !v.Exists() || v.Type != gjson.Number {
		return nil
	}
	n := v.Int()
	return &n
}

// updatedField converts polygon's nanosecond epoch stamps to ISO form.
func updatedField(item gjson.Result) string {
	for _, path := range []string{"last_quote.last_updated", "day.last_updated"} {
		if v := item.Get(path); v.Exists() && v.Int() > 0 {
			return time.Unix(0, v.Int()).UTC().Format(time.RFC3339Nano)
		}
	}
	return ""
}
