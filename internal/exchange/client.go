// client.go implements the broker's order-management REST API.
//
// Every mutating call (place/edit/cancel) and read (order status, search,
// portfolio) goes through doRequest, which applies the retry discipline the
// spec calls for: transport errors and 5xx responses are transient and
// retried indefinitely with backoff capped at 60s; 4xx responses other than
// 401 are business errors and never retried; a 401 triggers one re-auth via
// Auth.Refresh and a single retry of the original request.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"brokermm/pkg/types"
)

// httpStatusError carries the HTTP status code of a non-2xx response so
// callers (and doRequest's own retry logic) can tell business errors apart
// from transient ones without re-parsing the response body.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// transientRetryBackoff caps the transient-error backoff at 60s, growing
// 3+2*attempt seconds per the same cadence Auth.Refresh uses, so operators
// see one family of backoff numbers across the whole client.
func transientRetryBackoff(attempt int) time.Duration {
	wait := 3 + 2*attempt
	if wait > 60 {
		wait = 60
	}
	return time.Duration(wait) * time.Second
}

// Client is the broker's REST API client: order placement/edit/cancel,
// order status, order search, and portfolio reads.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	opsURL string
	pfURL  string
	logger *slog.Logger
}

// NewClient creates a REST client bound to one Auth provider.
func NewClient(operationsURL, portfolioURL string, auth *Auth, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		opsURL: operationsURL,
		pfURL:  portfolioURL,
		logger: logger.With("component", "rest_client"),
	}
}

// newClientOrderID mints a fresh, never-reused client order id (I1).
func newClientOrderID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("mint client order id: %w", err)
	}
	return id.String(), nil
}

// doRequest executes op, retrying transient failures indefinitely with
// capped backoff, retrying exactly once after a successful re-auth on 401,
// and returning immediately (no retry) on any other 4xx.
func (c *Client) doRequest(ctx context.Context, op func() (*resty.Response, error)) (*resty.Response, error) {
	reauthed := false
	for attempt := 0; ; attempt++ {
		resp, err := op()
		if err == nil && resp.StatusCode() < 300 {
			return resp, nil
		}

		if err != nil {
			c.logger.Warn("transient request error", "attempt", attempt+1, "error", err)
			if waitErr := c.sleepBackoff(ctx, attempt); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusUnauthorized && !reauthed:
			c.logger.Warn("access token rejected, re-authorizing")
			if err := c.auth.Refresh(ctx); err != nil {
				return nil, errors.Wrap(err, "re-authorize after 401")
			}
			reauthed = true
			continue

		case status >= 500:
			c.logger.Warn("transient 5xx response", "attempt", attempt+1, "status", status)
			if waitErr := c.sleepBackoff(ctx, attempt); waitErr != nil {
				return nil, waitErr
			}
			continue

		default:
			return resp, &httpStatusError{Status: status, Body: resp.String()}
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(transientRetryBackoff(attempt)):
		return nil
	}
}

// PlaceLimit places a single limit order and returns the minted client order id.
func (c *Client) PlaceLimit(ctx context.Context, inst types.Instrument, side types.Side, price decimal.Decimal, quantity int64) (string, error) {
	clientOrderID, err := newClientOrderID()
	if err != nil {
		return "", err
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "clientOrderId", clientOrderID, "side", side, "price", price, "quantity", quantity)
		return clientOrderID, nil
	}

	if err := c.rl.Orders.Wait(ctx); err != nil {
		return "", err
	}

	req := types.PlaceOrderRequest{
		ClientOrderID: clientOrderID,
		Side:          side.WireSide(),
		OrderType:     "2", // limit
		OrderQuantity: quantity,
		Ticker:        inst.Ticker,
		ClassCode:     inst.ClassCode,
		Price:         price.StringFixed(2),
	}

	resp, err := c.doRequest(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.auth.AccessToken()).
			SetBody(req).
			Post(c.opsURL + "/orders")
	})
	if err != nil {
		if _, ok := errors.Cause(err).(*httpStatusError); ok {
			return "", err
		}
		return "", errors.Wrap(err, "place order")
	}
	_ = resp
	c.logger.Info("order placed", "clientOrderId", clientOrderID, "side", side, "price", price, "quantity", quantity)
	return clientOrderID, nil
}

// EditOrder amends an existing order's price/quantity in place. Per I1, the
// request carries a freshly minted clientOrderId even though it targets an
// existing order by path; on success the caller should treat the old id as
// gone and track the returned id instead (the table's ReplaceOnEdit does
// exactly this).
func (c *Client) EditOrder(ctx context.Context, existingID string, price decimal.Decimal, quantity int64) (string, error) {
	mintedID, err := newClientOrderID()
	if err != nil {
		return "", err
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would edit order", "clientOrderId", existingID, "newClientOrderId", mintedID, "price", price, "quantity", quantity)
		return mintedID, nil
	}
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return "", err
	}

	req := types.EditOrderRequest{
		ClientOrderID: mintedID,
		Price:         price.StringFixed(2),
		OrderQuantity: quantity,
	}

	_, err = c.doRequest(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.auth.AccessToken()).
			SetBody(req).
			Post(fmt.Sprintf("%s/orders/%s", c.opsURL, existingID))
	})
	if err != nil {
		return "", errors.Wrap(err, "edit order")
	}
	c.logger.Info("order edited", "clientOrderId", existingID, "newClientOrderId", mintedID, "price", price, "quantity", quantity)
	return mintedID, nil
}

// CancelOrder cancels a single order by client order id. Per I1, the cancel
// RPC itself carries a freshly minted id in its body.
func (c *Client) CancelOrder(ctx context.Context, existingID string) error {
	cancelID, err := newClientOrderID()
	if err != nil {
		return err
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "clientOrderId", existingID)
		return nil
	}
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return err
	}

	req := types.CancelOrderRequest{ClientOrderID: cancelID}

	_, err = c.doRequest(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.auth.AccessToken()).
			SetBody(req).
			Post(fmt.Sprintf("%s/orders/%s/cancel", c.opsURL, existingID))
	})
	if err != nil {
		return errors.Wrap(err, "cancel order")
	}
	c.logger.Info("order cancelled", "clientOrderId", existingID)
	return nil
}

// GetOrderStatus fetches a single order's current status. Used by the
// forced refresher as the authoritative repair path when the executions
// WebSocket has been silent.
func (c *Client) GetOrderStatus(ctx context.Context, clientOrderID string) (*types.ExecutionReport, error) {
	if err := c.rl.Refresh.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OrderStatusResponse
	resp, err := c.doRequest(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.auth.AccessToken()).
			SetResult(&result).
			Get(fmt.Sprintf("%s/orders/%s", c.opsURL, clientOrderID))
	})
	if err != nil {
		return nil, errors.Wrap(err, "get order status")
	}
	_ = resp

	return &types.ExecutionReport{
		ClientOrderID:    clientOrderID,
		OrderStatus:      types.OrderStatus(result.Data.OrderStatus),
		RemainedQuantity: result.Data.RemainedQuantity,
	}, nil
}

// ListActiveOrders searches the broker for orders still considered live,
// used once at startup to seed the live-orders table before the first
// strategy tick runs (the "supplemented" recovery pass). It issues a GET
// filtered by ticker and class code only: no date window and no status
// filter are sent, so terminal rows are left for the caller to skip.
func (c *Client) ListActiveOrders(ctx context.Context, inst types.Instrument) ([]types.OrderSearchResult, error) {
	var results []types.OrderSearchResult
	_, err := c.doRequest(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.auth.AccessToken()).
			SetQueryParams(map[string]string{
				"ticker":    inst.Ticker,
				"classCode": inst.ClassCode,
			}).
			SetResult(&results).
			Get(c.opsURL + "/orders/search")
	})
	if err != nil {
		return nil, errors.Wrap(err, "list active orders")
	}
	return results, nil
}

// GetPortfolio polls the broker's current positions and converts them to an
// InventorySnapshot. Per the reference client's first-ticker-wins dedup
// behavior, duplicate rows for the same ticker are ignored after the first.
func (c *Client) GetPortfolio(ctx context.Context) (types.InventorySnapshot, error) {
	if err := c.rl.Portfolio.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []types.PortfolioPosition
	_, err := c.doRequest(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.auth.AccessToken()).
			SetResult(&rows).
			Get(c.pfURL)
	})
	if err != nil {
		return nil, errors.Wrap(err, "get portfolio")
	}

	snapshot := make(types.InventorySnapshot, len(rows))
	for _, row := range rows {
		if _, seen := snapshot[row.Ticker]; seen {
			continue
		}
		snapshot[row.Ticker] = int64(row.Quantity)
	}
	return snapshot, nil
}
