package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	apiPath = "/api/v2"

	// Deribit JSON-RPC error codes worth distinguishing.
	codeUnauthorized   = 13009
	codeInvalidToken   = 13000
	codeTooManyRequest = 10028
)

// Options parameterise the Deribit client.
type Options struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	Currencies    []string // currencies scanned for option positions
	IndexCurrency string   // currency of the volatility index, default BTC
	Timeout       time.Duration
	UserAgent     string
}

// Deribit talks JSON-RPC 2.0 over HTTP to the venue. It serves both the
// positions and the index sub-fetches; auth tokens are cached and refreshed
// ahead of expiry.
type Deribit struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
	apiURL string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	requestID   int64
}

// NewDeribit constructs a Deribit client.
func NewDeribit(opts Options, logger zerolog.Logger) *Deribit {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.deribit.com"
	}
	if len(opts.Currencies) == 0 {
		opts.Currencies = []string{"BTC", "ETH", "USDC", "SOL"}
	}
	if opts.IndexCurrency == "" {
		opts.IndexCurrency = "BTC"
	}

	return &Deribit{
		opts:   opts,
		logger: logger.With().Str("component", "deribit_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
		apiURL: baseURL + apiPath,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (d *Deribit) nextID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestID++
	return d.requestID
}

func (d *Deribit) call(ctx context.Context, method string, params, result any) error {
	private := strings.HasPrefix(method, "private/")

	var bearer string
	if private {
		token, err := d.ensureToken(ctx)
		if err != nil {
			return err
		}
		bearer = token
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: d.nextID(), Method: method, Params: params})
	if err != nil {
		return &Error{Kind: KindMalformed, Op: method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: method, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: method, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Op: method, Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		d.invalidateToken()
		return &Error{Kind: KindAuth, Op: method, Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &Error{Kind: KindUnavailable, Op: method, Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))}
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return &Error{Kind: KindMalformed, Op: method, Err: err}
	}
	if envelope.Error != nil {
		kind := KindUnavailable
		switch envelope.Error.Code {
		case codeUnauthorized, codeInvalidToken:
			d.invalidateToken()
			kind = KindAuth
		case codeTooManyRequest:
			kind = KindRateLimited
		}
		return &Error{Kind: kind, Op: method, Err: fmt.Errorf("deribit error [%d]: %s", envelope.Error.Code, envelope.Error.Message)}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return &Error{Kind: KindMalformed, Op: method, Err: err}
	}
	return nil
}

type authResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (d *Deribit) ensureToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.token != "" && time.Now().Before(d.tokenExpiry) {
		token := d.token
		d.mu.Unlock()
		return token, nil
	}
	d.mu.Unlock()

	if d.opts.ClientID == "" || d.opts.ClientSecret == "" {
		return "", &Error{Kind: KindAuth, Op: "public/auth", Err: errors.New("client credentials not configured")}
	}

	params := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     d.opts.ClientID,
		"client_secret": d.opts.ClientSecret,
	}
	var res authResult
	if err := d.call(ctx, "public/auth", params, &res); err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", &Error{Kind: KindAuth, Op: "public/auth", Err: errors.New("empty access token in response")}
	}

	d.mu.Lock()
	d.token = res.AccessToken
	// refresh a minute early so a token never expires mid-cycle
	d.tokenExpiry = time.Now().Add(time.Duration(res.ExpiresIn)*time.Second - time.Minute)
	d.mu.Unlock()

	d.logger.Debug().Int64("expires_in", res.ExpiresIn).Msg("Deribit 认证成功")
	return res.AccessToken, nil
}

func (d *Deribit) invalidateToken() {
	d.mu.Lock()
	d.token = ""
	d.mu.Unlock()
}

type positionPayload struct {
	InstrumentName string          `json:"instrument_name"`
	Kind           string          `json:"kind"`
	Direction      string          `json:"direction"`
	Size           decimal.Decimal `json:"size"`
	MarkIV         decimal.Decimal `json:"mark_iv"`
	Delta          decimal.Decimal `json:"delta"`
	Gamma          decimal.Decimal `json:"gamma"`
	Vega           decimal.Decimal `json:"vega"`
	Theta          decimal.Decimal `json:"theta"`
}

// FetchPositions retrieves option positions for every configured currency.
// A currency returning an error fails the whole sub-fetch; the monitor treats
// positions as one atomic snapshot.
func (d *Deribit) FetchPositions(ctx context.Context) ([]OptionPosition, error) {
	var all []OptionPosition
	for _, currency := range d.opts.Currencies {
		params := map[string]string{"currency": currency, "kind": "option"}
		var payload []positionPayload
		if err := d.call(ctx, "private/get_positions", params, &payload); err != nil {
			return nil, err
		}
		for _, p := range payload {
			if p.Size.IsZero() {
				continue
			}
			all = append(all, OptionPosition{
				InstrumentName: p.InstrumentName,
				Currency:       currency,
				Direction:      p.Direction,
				Size:           p.Size,
				MarkIV:         p.MarkIV,
				Delta:          p.Delta,
				Gamma:          p.Gamma,
				Vega:           p.Vega,
				Theta:          p.Theta,
			})
		}
	}
	return all, nil
}

type volatilityIndexResult struct {
	Data [][]json.Number `json:"data"`
}

// FetchIndex retrieves the latest volatility index close. The endpoint
// returns OHLC candles; the close of the newest candle is the current value.
func (d *Deribit) FetchIndex(ctx context.Context) (IndexTick, error) {
	const op = "public/get_volatility_index_data"

	end := time.Now()
	params := map[string]any{
		"currency":        d.opts.IndexCurrency,
		"start_timestamp": end.Add(-2 * 24 * time.Hour).UnixMilli(),
		"end_timestamp":   end.UnixMilli(),
		"resolution":      "3600",
	}

	var res volatilityIndexResult
	if err := d.call(ctx, op, params, &res); err != nil {
		return IndexTick{}, err
	}
	if len(res.Data) == 0 {
		return IndexTick{}, &Error{Kind: KindMalformed, Op: op, Err: errors.New("empty index data")}
	}

	latest := res.Data[len(res.Data)-1]
	if len(latest) < 5 {
		return IndexTick{}, &Error{Kind: KindMalformed, Op: op, Err: fmt.Errorf("candle has %d fields, want 5", len(latest))}
	}

	tsMillis, err := latest[0].Int64()
	if err != nil {
		return IndexTick{}, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	value, err := decimal.NewFromString(latest[4].String())
	if err != nil {
		return IndexTick{}, &Error{Kind: KindMalformed, Op: op, Err: err}
	}

	return IndexTick{
		Value:     value,
		Timestamp: time.UnixMilli(tsMillis).UTC(),
	}, nil
}

var _ PositionsFetcher = (*Deribit)(nil)
var _ IndexFetcher = (*Deribit)(nil)
