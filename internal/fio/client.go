// Package fio reads incoming payments from the Fio banka REST API.
package fio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/suspectuso/cashier/internal/ledger"
	"github.com/suspectuso/cashier/internal/reconcile"
)

// ErrThrottled is returned when the bank refuses a request made too soon
var ErrThrottled = errors.New("throttled by bank API")

const (
	dateLayout    = "2006-01-02"
	txnDateLayout = "2006-01-02-0700"
)

// Client is a Fio banka HTTP client
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	startDate  time.Time
	httpClient *http.Client
	now        func() time.Time

	// Fio rejects more than one request per 30 seconds per token
	mu       sync.Mutex
	lastCall time.Time
	minDelay time.Duration
}

// NewClient creates a new Fio client. startDate bounds the first download
// when no watermark exists yet.
func NewClient(baseURL, token, userAgent string, startDate time.Time, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		token:     token,
		userAgent: userAgent,
		startDate: startDate,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now:      time.Now,
		minDelay: 30 * time.Second,
	}
}

func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait := c.minDelay - time.Since(c.lastCall); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	c.lastCall = time.Now()
	return nil
}

func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the token is part of the URL, keep it out of logs
		return nil, fmt.Errorf("do request: %w", redact(err, c.token))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrThrottled
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	return data, nil
}

// Statement downloads all account movements between two dates inclusive
func (c *Client) Statement(ctx context.Context, from, to time.Time) (*AccountStatement, error) {
	path := fmt.Sprintf("/periods/%s/%s/%s/transactions.json",
		c.token, from.Format(dateLayout), to.Format(dateLayout))

	data, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, err
	}

	var resp StatementResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return &resp.AccountStatement, nil
}

// FetchPaymentsSince returns incoming payments booked on or after the
// watermark day. The watermark day is fetched again since Fio only resolves
// dates; duplicates are dropped by the ledger.
func (c *Client) FetchPaymentsSince(ctx context.Context, watermark time.Time) ([]ledger.Payment, error) {
	from := watermark
	if from.IsZero() {
		from = c.startDate
	}

	statement, err := c.Statement(ctx, from, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: fio: %w", reconcile.ErrSourceUnavailable, err)
	}

	payments := make([]ledger.Payment, 0, len(statement.TransactionList.Transactions))
	for _, txn := range statement.TransactionList.Transactions {
		p, ok, err := toPayment(txn)
		if err != nil {
			return nil, fmt.Errorf("%w: fio: %w", reconcile.ErrSourceUnavailable, err)
		}
		if ok {
			payments = append(payments, p)
		}
	}

	return payments, nil
}

// toPayment converts incoming transactions. Outgoing ones are skipped.
func toPayment(txn Transaction) (ledger.Payment, bool, error) {
	if txn.ID == nil {
		return ledger.Payment{}, false, fmt.Errorf("transaction without id")
	}

	amount := txn.Amount.value()
	if !amount.IsPositive() {
		return ledger.Payment{}, false, nil
	}

	received, err := time.Parse(txnDateLayout, txn.Date.value())
	if err != nil {
		return ledger.Payment{}, false, fmt.Errorf("parse date of transaction %d: %w", txn.ID.Value, err)
	}

	reference := txn.Message.value()
	if reference == "" {
		reference = txn.UserIdent.value()
	}

	payer := txn.AccountName.value()
	if payer == "" {
		payer = txn.Executor.value()
	}

	return ledger.Payment{
		ExternalID:     strconv.FormatInt(txn.ID.Value, 10),
		AmountMinor:    amount.Shift(2).IntPart(),
		Currency:       txn.Currency.value(),
		VariableSymbol: strings.TrimSpace(txn.VariableSymbol.value()),
		Reference:      strings.TrimSpace(reference),
		Payer:          strings.TrimSpace(payer),
		ReceivedAt:     received.UTC(),
	}, true, nil
}

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "***"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
