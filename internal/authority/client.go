package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ledgersync/internal/core"
	"ledgersync/internal/intent"
	"ledgersync/internal/log"
)

const userHeader = "X-User-ID"

// Client talks HTTP to the authoritative tier. It implements both
// Writer and Reader.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	logger  *log.Logger
}

func NewClient(baseURL, userID string, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.WithComponent(log.ComponentAuthority),
	}
}

// Apply routes one intent to its REST verb and resource. The body is
// the tagged intent envelope; the response is the recomputed truth.
func (c *Client) Apply(ctx context.Context, in intent.Intent) (*WriteResult, error) {
	method, path := routeIntent(in)

	body, err := intent.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userHeader, c.userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authoritative write: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.decodeError(resp)
	}

	var result WriteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode write result: %w", err)
	}

	c.logger.DebugContext(ctx, "authoritative write confirmed",
		log.FieldIntent, string(in.Kind()),
		log.FieldVersion, result.Version)
	return &result, nil
}

// Fetch reads one resource fragment for initial load or revalidation.
func (c *Client) Fetch(ctx context.Context, kind ResourceKind, scope string) (*Fragment, error) {
	target := c.baseURL + "/api/" + string(kind)
	if kind == ResourceTransactions {
		if id, ok := strings.CutPrefix(scope, "account="); ok {
			target += "?account=" + url.QueryEscape(id)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(userHeader, c.userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authoritative read: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	frag := &Fragment{}
	switch kind {
	case ResourceDashboard:
		var d core.Dashboard
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return nil, fmt.Errorf("decode dashboard: %w", err)
		}
		frag.Dashboard = &d
	case ResourceAccounts:
		if err := json.NewDecoder(resp.Body).Decode(&frag.Accounts); err != nil {
			return nil, fmt.Errorf("decode accounts: %w", err)
		}
	case ResourceTransactions:
		if err := json.NewDecoder(resp.Body).Decode(&frag.Transactions); err != nil {
			return nil, fmt.Errorf("decode transactions: %w", err)
		}
	case ResourceGoals:
		if err := json.NewDecoder(resp.Body).Decode(&frag.Goals); err != nil {
			return nil, fmt.Errorf("decode goals: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
	return frag, nil
}

func (c *Client) decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(raw) > 0 {
		var decoded APIError
		if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
			decoded.Status = resp.StatusCode
			apiErr = &decoded
		}
	}
	return apiErr
}

func routeIntent(in intent.Intent) (method, path string) {
	switch v := in.(type) {
	case intent.CreateBudgetLine:
		return http.MethodPost, "/api/budget-lines"
	case intent.UpdateBudgetLine:
		return http.MethodPut, "/api/budget-lines/" + v.LineID.String()
	case intent.DeleteBudgetLine:
		return http.MethodDelete, "/api/budget-lines/" + v.LineID.String()
	case intent.MoveMoney:
		return http.MethodPut, "/api/budget-lines/" + v.FromLineID.String() + "/move"
	case intent.AssignMoney:
		return http.MethodPut, "/api/budget-lines/" + v.LineID.String() + "/assign"
	case intent.CreateTransaction:
		return http.MethodPost, "/api/transactions"
	case intent.DeleteTransaction:
		return http.MethodDelete, "/api/transactions/" + v.TransactionID.String()
	case intent.ApproveTransaction:
		return http.MethodPut, "/api/transactions/" + v.TransactionID.String()
	case intent.FlagTransaction:
		return http.MethodPut, "/api/transactions/" + v.TransactionID.String()
	case intent.ClearTransaction:
		return http.MethodPut, "/api/transactions/" + v.TransactionID.String()
	case intent.RecategorizeTransaction:
		return http.MethodPut, "/api/transactions/" + v.TransactionID.String()
	case intent.MoveTransaction:
		return http.MethodPut, "/api/transactions/" + v.TransactionID.String()
	case intent.UpdateGoal:
		return http.MethodPut, "/api/goals/" + v.GoalID.String()
	}
	// Unreachable for the sealed intent set.
	return http.MethodPost, "/api/mutations"
}
