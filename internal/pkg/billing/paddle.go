package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarvinHauser/Sketchly/internal/pkg/env"
)

const defaultPaddleAPIBaseURL = "https://api.paddle.com"

// PaddleClient is the read-only HTTP client for the Paddle billing API.
type PaddleClient struct {
	APIKey     string
	APIBaseURL string

	HTTPClient *http.Client
}

func NewPaddleClientFromEnv() *PaddleClient {
	return &PaddleClient{
		APIKey:     strings.TrimSpace(env.GetEnv("PADDLE_API_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("PADDLE_API_BASE_URL", defaultPaddleAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type paddleSubscription struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	CustomerID           string `json:"customer_id"`
	NextBilledAt         string `json:"next_billed_at"`
	CreatedAt            string `json:"created_at"`
	CurrentBillingPeriod struct {
		StartsAt string `json:"starts_at"`
		EndsAt   string `json:"ends_at"`
	} `json:"current_billing_period"`
	BillingCycle struct {
		Interval string `json:"interval"`
	} `json:"billing_cycle"`
	Items []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
	CustomData map[string]interface{} `json:"custom_data"`
}

type paddleTransaction struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	CreatedAt      string `json:"created_at"`
	Details        struct {
		Totals struct {
			Total string `json:"total"`
		} `json:"totals"`
	} `json:"details"`
}

type paddlePagination struct {
	Next    string `json:"next"`
	HasMore bool   `json:"has_more"`
}

// GetSubscription fetches one subscription. A 404 maps to ErrNotFound so the
// caller can distinguish "gone at the provider" from a transport failure.
func (c *PaddleClient) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return nil, errors.New("subscription id is required")
	}

	body, err := c.get(ctx, c.APIBaseURL+"/subscriptions/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var raw struct {
		Data paddleSubscription `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.Data.ID) == "" {
		return nil, errors.New("paddle subscription response missing id")
	}
	snap := subscriptionFromPaddle(raw.Data)
	return &snap, nil
}

// ListSubscriptions pages through subscriptions matching the filter.
func (c *PaddleClient) ListSubscriptions(ctx context.Context, params ListSubscriptionsParams) ([]SubscriptionSnapshot, error) {
	u, err := url.Parse(c.APIBaseURL + "/subscriptions")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("per_page", "200")
	if s := strings.TrimSpace(params.Status); s != "" {
		q.Set("status", s)
	}
	if params.UpdatedAfter != nil {
		q.Set("updated_at[GTE]", params.UpdatedAfter.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	var out []SubscriptionSnapshot
	next := u.String()
	for next != "" {
		body, err := c.get(ctx, next)
		if err != nil {
			return nil, err
		}
		var raw struct {
			Data []paddleSubscription `json:"data"`
			Meta struct {
				Pagination paddlePagination `json:"pagination"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
		for _, sub := range raw.Data {
			out = append(out, subscriptionFromPaddle(sub))
		}
		if !raw.Meta.Pagination.HasMore {
			break
		}
		next = raw.Meta.Pagination.Next
	}
	return out, nil
}

// ListTransactions pages through transactions matching the filter.
func (c *PaddleClient) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]TransactionSnapshot, error) {
	u, err := url.Parse(c.APIBaseURL + "/transactions")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("per_page", "200")
	if cid := strings.TrimSpace(params.CustomerID); cid != "" {
		q.Set("customer_id", cid)
	}
	if params.CreatedAfter != nil {
		q.Set("created_at[GTE]", params.CreatedAfter.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	var out []TransactionSnapshot
	next := u.String()
	for next != "" {
		body, err := c.get(ctx, next)
		if err != nil {
			return nil, err
		}
		var raw struct {
			Data []paddleTransaction `json:"data"`
			Meta struct {
				Pagination paddlePagination `json:"pagination"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
		for _, txn := range raw.Data {
			out = append(out, transactionFromPaddle(txn))
		}
		if !raw.Meta.Pagination.HasMore {
			break
		}
		next = raw.Meta.Pagination.Next
	}
	return out, nil
}

func (c *PaddleClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("PADDLE_API_KEY is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("paddle request failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, nil
}

func subscriptionFromPaddle(raw paddleSubscription) SubscriptionSnapshot {
	snap := SubscriptionSnapshot{
		ID:                 strings.TrimSpace(raw.ID),
		CustomerID:         strings.TrimSpace(raw.CustomerID),
		Status:             strings.ToLower(strings.TrimSpace(raw.Status)),
		BillingCycle:       strings.ToLower(strings.TrimSpace(raw.BillingCycle.Interval)),
		CurrentPeriodStart: parsePaddleTime(raw.CurrentBillingPeriod.StartsAt),
		CurrentPeriodEnd:   parsePaddleTime(raw.CurrentBillingPeriod.EndsAt),
		NextBilledAt:       parsePaddleTime(raw.NextBilledAt),
		CustomData:         map[string]string{},
	}
	if t := parsePaddleTime(raw.CreatedAt); t != nil {
		snap.CreatedAt = *t
	}
	if len(raw.Items) > 0 {
		snap.PriceID = strings.TrimSpace(raw.Items[0].Price.ID)
	}
	for k, v := range raw.CustomData {
		switch val := v.(type) {
		case string:
			snap.CustomData[k] = val
		case float64:
			snap.CustomData[k] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return snap
}

func transactionFromPaddle(raw paddleTransaction) TransactionSnapshot {
	snap := TransactionSnapshot{
		ID:             strings.TrimSpace(raw.ID),
		CustomerID:     strings.TrimSpace(raw.CustomerID),
		SubscriptionID: strings.TrimSpace(raw.SubscriptionID),
		Status:         strings.ToLower(strings.TrimSpace(raw.Status)),
	}
	if t := parsePaddleTime(raw.CreatedAt); t != nil {
		snap.CreatedAt = *t
	}
	if total := strings.TrimSpace(raw.Details.Totals.Total); total != "" {
		if cents, err := strconv.ParseInt(total, 10, 64); err == nil {
			snap.AmountCents = cents
		}
	}
	return snap
}

func parsePaddleTime(value string) *time.Time {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
