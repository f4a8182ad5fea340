package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/shopspring/decimal"
)

// midtransZone is the zone Midtrans reports transaction_time in (WIB).
var midtransZone = time.FixedZone("WIB", 7*60*60)

// MidtransClient looks up transactions through the Midtrans Core API. The
// Core API has no listing endpoint, so window reconciliation for Midtrans runs
// from uploaded settlement reports.
type MidtransClient struct {
	core      coreapi.Client
	Timeout   time.Duration
	Retry     RetryPolicy
	StatusMap *StatusMap
}

// NewMidtransClient creates a Core API client for the given server key.
func NewMidtransClient(serverKey string, production bool, timeout time.Duration, retry RetryPolicy, statusMap *StatusMap) (*MidtransClient, error) {
	if strings.TrimSpace(serverKey) == "" {
		return nil, errors.New("MIDTRANS_SERVER_KEY is not configured")
	}
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	var c coreapi.Client
	c.New(strings.TrimSpace(serverKey), env)

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if statusMap == nil {
		statusMap = DefaultStatusMap()
	}
	return &MidtransClient{core: c, Timeout: timeout, Retry: retry, StatusMap: statusMap}, nil
}

// FetchByWindow is not offered by the Midtrans Core API.
func (c *MidtransClient) FetchByWindow(ctx context.Context, since, until time.Time) (*ParseResult, error) {
	return nil, ErrWindowUnsupported
}

// FetchByReference checks the status of an order id.
func (c *MidtransClient) FetchByReference(ctx context.Context, ref string) (*Transaction, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("external reference is required")
	}

	var resp *coreapi.TransactionStatusResponse
	err := c.Retry.Do(ctx, "midtrans status "+ref, func(ctx context.Context) error {
		r, err := c.checkTransaction(ctx, ref)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.toTransaction(ref, resp)
}

func (c *MidtransClient) checkTransaction(ctx context.Context, ref string) (*coreapi.TransactionStatusResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	type result struct {
		resp *coreapi.TransactionStatusResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, mErr := c.core.CheckTransaction(ref)
		if mErr != nil {
			done <- result{err: midtransError(mErr)}
			return
		}
		done <- result{resp: resp}
	}()

	select {
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp == nil || r.resp.StatusCode == "404" {
			return nil, ErrNotFound
		}
		return r.resp, nil
	}
}

func midtransError(e *midtrans.Error) error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if e.StatusCode == 0 {
		if e.RawError != nil {
			return fmt.Errorf("midtrans request failed: %w", e.RawError)
		}
		return fmt.Errorf("midtrans request failed: %s", e.Message)
	}
	return &StatusError{StatusCode: e.StatusCode, Body: e.Message}
}

func (c *MidtransClient) toTransaction(ref string, resp *coreapi.TransactionStatusResponse) (*Transaction, error) {
	raw := strings.ToLower(strings.TrimSpace(resp.TransactionStatus))
	if raw == "capture" {
		switch strings.ToLower(strings.TrimSpace(resp.FraudStatus)) {
		case "challenge":
			raw = "challenge"
		case "deny":
			raw = "deny"
		}
	}
	status, ok := c.StatusMap.Map(raw)
	if !ok {
		return nil, fmt.Errorf("unknown midtrans transaction_status %q for %s", resp.TransactionStatus, ref)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(resp.GrossAmount))
	if err != nil {
		return nil, fmt.Errorf("invalid midtrans gross_amount %q for %s", resp.GrossAmount, ref)
	}

	occurred := time.Time{}
	if ts := strings.TrimSpace(resp.TransactionTime); ts != "" {
		t, err := time.ParseInLocation("2006-01-02 15:04:05", ts, midtransZone)
		if err != nil {
			return nil, fmt.Errorf("invalid midtrans transaction_time %q for %s", ts, ref)
		}
		occurred = t.UTC()
	}

	currency := strings.ToUpper(strings.TrimSpace(resp.Currency))
	if currency == "" {
		currency = "IDR"
	}

	orderID := strings.TrimSpace(resp.OrderID)
	if orderID == "" {
		orderID = ref
	}

	return &Transaction{
		ExternalRef: orderID,
		Amount:      amount,
		Currency:    currency,
		RawStatus:   raw,
		Status:      status,
		OccurredAt:  occurred,
	}, nil
}
