package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// HTTPClient talks to a gateway exposing
//
//	GET {base}/transactions/{ref}
//	GET {base}/transactions?since=RFC3339&until=RFC3339
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retry      RetryPolicy
	StatusMap  *StatusMap
	HTTPClient *http.Client
	Limiter    *rate.Limiter
}

// HTTPClientConfig carries the settings NewHTTPClient needs.
type HTTPClientConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	Retry         RetryPolicy
	RatePerSecond float64
	StatusMap     *StatusMap
}

// NewHTTPClient creates a client for the generic transaction API.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	statusMap := cfg.StatusMap
	if statusMap == nil {
		statusMap = DefaultStatusMap()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &HTTPClient{
		BaseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		APIKey:    strings.TrimSpace(cfg.APIKey),
		Timeout:   timeout,
		Retry:     cfg.Retry,
		StatusMap: statusMap,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Limiter: rate.NewLimiter(limit, 1),
	}
}

type wireTransaction struct {
	Ref       string `json:"ref"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type wireTransactionList struct {
	Transactions []wireTransaction `json:"transactions"`
}

// FetchByReference returns the gateway view of a single transaction.
func (c *HTTPClient) FetchByReference(ctx context.Context, ref string) (*Transaction, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("external reference is required")
	}
	u := c.BaseURL + "/transactions/" + url.PathEscape(ref)

	var wire wireTransaction
	err := c.Retry.Do(ctx, "fetch "+ref, func(ctx context.Context) error {
		return c.getJSON(ctx, u, &wire)
	})
	if err != nil {
		return nil, err
	}
	tx, err := c.toTransaction(wire)
	if err != nil {
		return nil, fmt.Errorf("gateway returned an unusable transaction %s: %w", ref, err)
	}
	return tx, nil
}

// FetchByWindow lists transactions observed between since and until. A
// transaction that cannot be mapped becomes a row error; the call fails only
// when the gateway returned transactions and none of them is usable.
func (c *HTTPClient) FetchByWindow(ctx context.Context, since, until time.Time) (*ParseResult, error) {
	u, err := url.Parse(c.BaseURL + "/transactions")
	if err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_BASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("until", until.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	var list wireTransactionList
	err = c.Retry.Do(ctx, "fetch window", func(ctx context.Context) error {
		return c.getJSON(ctx, u.String(), &list)
	})
	if err != nil {
		return nil, err
	}

	res := &ParseResult{
		Transactions: make([]Transaction, 0, len(list.Transactions)),
		RowErrors:    []RowError{},
	}
	for i, wire := range list.Transactions {
		tx, err := c.toTransaction(wire)
		if err != nil {
			res.RowErrors = append(res.RowErrors, RowError{
				Row:     i + 1,
				Ref:     strings.TrimSpace(wire.Ref),
				Message: err.Error(),
			})
			continue
		}
		res.Transactions = append(res.Transactions, *tx)
	}
	if len(res.Transactions) == 0 && len(res.RowErrors) > 0 {
		return res, fmt.Errorf("%w: all %d gateway transactions are unusable, first: %s",
			ErrUnparseableReport, len(res.RowErrors), res.RowErrors[0].Message)
	}
	return res, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, u string, out interface{}) error {
	if err := c.Limiter.Wait(ctx); err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return json.Unmarshal(body, out)
}

func (c *HTTPClient) toTransaction(w wireTransaction) (*Transaction, error) {
	ref := strings.TrimSpace(w.Ref)
	if ref == "" {
		return nil, errors.New("missing ref")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(w.Amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", w.Amount)
	}
	status, ok := c.StatusMap.Map(w.Status)
	if !ok {
		return nil, fmt.Errorf("unknown gateway status %q", w.Status)
	}
	occurred, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		ExternalRef: ref,
		Amount:      amount,
		Currency:    strings.ToUpper(strings.TrimSpace(w.Currency)),
		RawStatus:   strings.TrimSpace(w.Status),
		Status:      status,
		OccurredAt:  occurred,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
