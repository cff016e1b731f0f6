package venue

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
	"sync"
	"time"
)

// ErrAllEndpointsFailed is returned when not a single endpoint produced data
// for a trader. Partial failures only null out the affected subfields.
var ErrAllEndpointsFailed = errors.New("all venue endpoints failed")

const (
	pathDetail          = "/copy-trade/lead-portfolio/detail"
	pathCommon          = "/copy-trade/lead-data/common"
	pathPositions       = "/copy-trade/lead-data/positions"
	pathRoiSeries       = "/copy-trade/lead-portfolio/chart-data"
	pathAssetPreference = "/copy-trade/lead-data/asset-preference"
	pathRoiChart        = "/copy-trade/lead-portfolio/roi-chart"
	pathOrderHistory    = "/copy-trade/lead-data/order-history"
)

type Client struct {
	platform      string
	baseURL       string
	orderPageSize int
	timeout       time.Duration
	httpClient    *http.Client
}

// NewClient creates a venue client. timeout is the per-endpoint deadline;
// each of the seven fetches gets its own timeout, so a whole-trader scrape is
// bounded by a single timeout because the fetches run concurrently.
func NewClient(platform, baseURL string, orderPageSize int, timeout time.Duration) *Client {
	if orderPageSize <= 0 {
		orderPageSize = 50
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		platform:      platform,
		baseURL:       strings.TrimRight(baseURL, "/"),
		orderPageSize: orderPageSize,
		timeout:       timeout,
		httpClient:    &http.Client{},
	}
}

// timeRangeDuration maps the venue's named windows to durations.
func timeRangeDuration(timeRange string) time.Duration {
	switch timeRange {
	case "7d", "7D":
		return 7 * 24 * time.Hour
	case "30d", "30D":
		return 30 * 24 * time.Hour
	case "90d", "90D":
		return 90 * 24 * time.Hour
	default: // 24h
		return 24 * time.Hour
	}
}

// FetchTrader scrapes all seven endpoints for one lead trader concurrently.
// Any single endpoint failure nulls out its subfield; the payload is returned
// as long as at least one endpoint succeeded.
func (c *Client) FetchTrader(ctx context.Context, leadID, timeRange string) (*TraderPayload, error) {
	now := time.Now().UTC()
	payload := &TraderPayload{
		LeadID:    leadID,
		Platform:  c.platform,
		FetchedAt: now,
		TimeRange: timeRange,
		EndTime:   now.UnixMilli(),
		StartTime: now.Add(-timeRangeDuration(timeRange)).UnixMilli(),
	}

	base := url.Values{}
	base.Set("portfolioId", leadID)

	ranged := url.Values{}
	ranged.Set("portfolioId", leadID)
	ranged.Set("timeRange", timeRange)

	orders := url.Values{}
	orders.Set("portfolioId", leadID)
	orders.Set("pageNumber", "1")
	orders.Set("pageSize", strconv.Itoa(c.orderPageSize))

	var mu sync.Mutex
	var failed []string

	fetch := func(name, path string, params url.Values, decode func(json.RawMessage) error) func() {
		return func() {
			data, err := c.getEnvelope(ctx, path, params)
			if err == nil {
				err = decode(data)
			}
			if err != nil {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %v", name, err))
				mu.Unlock()
			}
		}
	}

	tasks := []func(){
		fetch("detail", pathDetail, base, func(data json.RawMessage) error {
			var d LeadDetail
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			payload.PortfolioDetail = &d
			return nil
		}),
		fetch("common", pathCommon, ranged, func(data json.RawMessage) error {
			var cm LeadCommon
			if err := json.Unmarshal(data, &cm); err != nil {
				return err
			}
			payload.LeadCommon = &cm
			return nil
		}),
		fetch("positions", pathPositions, base, func(data json.RawMessage) error {
			positions := []RawPosition{}
			if err := json.Unmarshal(data, &positions); err != nil {
				return err
			}
			payload.ActivePositions = positions
			payload.PositionsOK = true
			return nil
		}),
		fetch("roiSeries", pathRoiSeries, ranged, func(data json.RawMessage) error {
			var series []RoiPoint
			if err := json.Unmarshal(data, &series); err != nil {
				return err
			}
			payload.RoiSeries = series
			return nil
		}),
		fetch("assetPreference", pathAssetPreference, ranged, func(data json.RawMessage) error {
			var prefs []AssetPreference
			if err := json.Unmarshal(data, &prefs); err != nil {
				return err
			}
			payload.AssetPreferences = prefs
			return nil
		}),
		fetch("roiChart", pathRoiChart, ranged, func(data json.RawMessage) error {
			var chart []RoiPoint
			if err := json.Unmarshal(data, &chart); err != nil {
				return err
			}
			payload.RoiChart = chart
			return nil
		}),
		fetch("orderHistory", pathOrderHistory, orders, func(data json.RawMessage) error {
			oh := OrderHistory{AllOrders: []RawOrder{}}
			if err := json.Unmarshal(data, &oh); err != nil {
				return err
			}
			payload.OrderHistory = &oh
			payload.OrdersOK = true
			return nil
		}),
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(run func()) {
			defer wg.Done()
			run()
		}(task)
	}
	wg.Wait()

	payload.FailedEndpoints = failed
	if len(failed) == len(tasks) {
		return nil, fmt.Errorf("%w for trader %s: %s", ErrAllEndpointsFailed, leadID, strings.Join(failed, "; "))
	}

	return payload, nil
}

// getEnvelope issues one GET with its own deadline and unwraps the
// {success, data} envelope.
func (c *Client) getEnvelope(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("venue returned success=false (code=%s message=%s)", env.Code, env.Message)
	}

	return env.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
