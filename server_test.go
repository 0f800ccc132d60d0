package sigmatrade

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, explorer *fakeExplorer) (*httptest.Server, *Dashboard) {
	t.Helper()
	view := NewViewState()
	dashboard, err := NewDashboard(DashboardOptions{
		Wallets:    []string{testWallet, otherWallet},
		Explorer:   explorer,
		Logs:       &fakeLogs{},
		Balances:   &fakeBalanceSource{next: balanceSet(ptrUint64(5), BalanceSnapshot{TokenSymbol: "BNB", RawBalance: "7", Formatted: "0.0000"})},
		Cache:      newTestTieredCache(t, newFakeClock(), nil),
		Observer:   view,
		Logger:     NewDiscardLogger(),
		PageSize:   20,
		PageTTL:    time.Minute,
		BalanceTTL: time.Minute,
		TxCountTTL: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(dashboard.Close)

	ts := httptest.NewServer(NewServer(dashboard, view))
	t.Cleanup(ts.Close)
	return ts, dashboard
}

func doRequest(t *testing.T, method, target string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()

	ts, dashboard := newTestServer(t, scenarioExplorer())
	active := normalizeAddress(testWallet)

	steps := []struct {
		name   string
		method string
		path   string
		status int
		assert func(t *testing.T, body string)
	}{
		{
			name:   "index",
			method: http.MethodGet,
			path:   "/",
			status: http.StatusOK,
			assert: func(t *testing.T, body string) {
				require.Contains(t, body, "SigmaTrade")
				require.Contains(t, body, dashboard.Session().ID)
			},
		},
		{
			name:   "wallet requires address",
			method: http.MethodPost,
			path:   "/api/wallet",
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown wallet",
			method: http.MethodPost,
			path:   "/api/wallet?address=0x0000000000000000000000000000000000000001",
			status: http.StatusBadRequest,
		},
		{
			name:   "refresh without wallet",
			method: http.MethodPost,
			path:   "/api/refresh",
			status: http.StatusBadRequest,
		},
		{
			name:   "select wallet",
			method: http.MethodPost,
			path:   "/api/wallet?address=" + url.QueryEscape(strings.ToLower(testWallet)),
			status: http.StatusOK,
			assert: func(t *testing.T, body string) {
				var session Session
				require.NoError(t, json.Unmarshal([]byte(body), &session))
				require.Equal(t, active, session.Active)
			},
		},
		{
			name:   "session",
			method: http.MethodGet,
			path:   "/api/session",
			status: http.StatusOK,
			assert: func(t *testing.T, body string) {
				var session Session
				require.NoError(t, json.Unmarshal([]byte(body), &session))
				require.Len(t, session.Wallets, 2)
				require.Equal(t, active, session.Active)
			},
		},
		{
			name:   "index shows active balances",
			method: http.MethodGet,
			path:   "/",
			status: http.StatusOK,
			assert: func(t *testing.T, body string) {
				require.Contains(t, body, active+" (active)")
				require.Contains(t, body, "<td>BNB</td><td>0.0000</td>")
			},
		},
		{
			name:   "transactions window",
			method: http.MethodGet,
			path:   "/api/transactions?scrollTop=0&viewport=800",
			status: http.StatusOK,
			assert: func(t *testing.T, body string) {
				var resp transactionsResponse
				require.NoError(t, json.Unmarshal([]byte(body), &resp))
				require.Equal(t, 3, resp.Total)
				require.Len(t, resp.Rows, 3)
				require.False(t, resp.HasMore)
				require.Equal(t, "done", resp.State)
				require.Equal(t, "0xn1", resp.Rows[0].Transaction.Hash)
			},
		},
		{
			name:   "transactions rejects bad numbers",
			method: http.MethodGet,
			path:   "/api/transactions?scrollTop=abc",
			status: http.StatusBadRequest,
		},
		{
			name:   "balances",
			method: http.MethodGet,
			path:   "/api/balances",
			status: http.StatusOK,
			assert: func(t *testing.T, body string) {
				var resp balancesResponse
				require.NoError(t, json.Unmarshal([]byte(body), &resp))
				require.Equal(t, active, resp.Wallet)
				require.Equal(t, "7", resp.Balances["BNB"].RawBalance)
				require.NotNil(t, resp.TxCount)
				require.Equal(t, uint64(5), *resp.TxCount)
			},
		},
		{
			name:   "load more after the last page",
			method: http.MethodPost,
			path:   "/api/more",
			status: http.StatusNoContent,
		},
		{
			name:   "refresh",
			method: http.MethodPost,
			path:   "/api/refresh",
			status: http.StatusNoContent,
		},
		{
			name:   "refresh is POST only",
			method: http.MethodGet,
			path:   "/api/refresh",
			status: http.StatusMethodNotAllowed,
		},
		{
			name:   "metrics",
			method: http.MethodGet,
			path:   "/metrics",
			status: http.StatusOK,
			assert: func(t *testing.T, body string) {
				require.Contains(t, body, "sigmatrade_app_http_responses_total")
				require.Contains(t, body, "sigmatrade_aggregator_cycles_total")
			},
		},
	}

	// steps share one session and run in order
	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			status, body := doRequest(t, step.method, ts.URL+step.path)
			require.Equal(t, step.status, status, body)
			if step.assert != nil {
				step.assert(t, body)
			}
		})
	}
}

func TestServerReportsFetchErrors(t *testing.T) {
	t.Parallel()

	explorer := scenarioExplorer()
	explorer.err = errors.New("explorer status 503")
	ts, _ := newTestServer(t, explorer)

	status, body := doRequest(t, http.MethodPost, ts.URL+"/api/wallet?address="+testWallet)
	require.Equal(t, http.StatusBadGateway, status)
	require.Contains(t, body, "explorer status 503")

	status, body = doRequest(t, http.MethodGet, ts.URL+"/api/transactions")
	require.Equal(t, http.StatusOK, status)
	var resp transactionsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Contains(t, resp.Error, "explorer status 503")
	require.Empty(t, resp.Rows)
	require.True(t, resp.HasMore)

	status, body = doRequest(t, http.MethodGet, ts.URL+"/")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "explorer status 503")
}
