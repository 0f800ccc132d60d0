package sigmatrade

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestTimeout = 30 * time.Second

var serverLog = NewLogger("server")

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>SigmaTrade</title></head>
<body>
<h1>SigmaTrade</h1>
<p>Session {{.Session.ID}}</p>
<ul>
{{range .Session.Wallets}}<li>{{.}}{{if eq . $.Session.Active}} (active){{end}}</li>
{{end}}</ul>
<p>Last block: {{.Session.LastBlock}}</p>
{{if .Balances}}<table>
{{range $symbol, $balance := .Balances}}<tr><td>{{$symbol}}</td><td>{{$balance.Formatted}}</td></tr>
{{end}}</table>{{end}}
<p>Transactions loaded: {{.Loaded}}{{if not .HasMore}} (complete){{end}}</p>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
</body>
</html>
`))

// ViewState records what the dashboard last delivered so the HTTP surface can
// report it. Pagination state is read from the dashboard itself.
type ViewState struct {
	mu        sync.Mutex
	balances  map[string]BalanceSet
	lastError map[string]string
}

// NewViewState returns an empty view.
func NewViewState() *ViewState {
	return &ViewState{
		balances:  make(map[string]BalanceSet),
		lastError: make(map[string]string),
	}
}

func (v *ViewState) OnTransactionsReady(wallet string, _ []Transaction) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.lastError, wallet)
}

func (v *ViewState) OnNoMoreData(string) {}

func (v *ViewState) OnFetchError(wallet string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastError[wallet] = err.Error()
}

func (v *ViewState) OnBalancesReady(wallet string, balances BalanceSet) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[wallet] = cloneBalanceSet(balances)
}

func (v *ViewState) OnScrollNearEnd(string) {}

// Balances returns the last balances delivered for wallet.
func (v *ViewState) Balances(wallet string) (BalanceSet, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	set, ok := v.balances[wallet]
	if !ok {
		return BalanceSet{}, false
	}
	return cloneBalanceSet(set), true
}

// LastError returns the last fetch error reported for wallet.
func (v *ViewState) LastError(wallet string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastError[wallet]
}

type transactionsResponse struct {
	Window  Window `json:"window"`
	Rows    []Row  `json:"rows"`
	Total   int    `json:"total"`
	HasMore bool   `json:"hasMore"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

type balancesResponse struct {
	Wallet   string                     `json:"wallet"`
	Balances map[string]BalanceSnapshot `json:"balances"`
	TxCount  *uint64                    `json:"txCount,omitempty"`
}

// NewServer constructs the HTTP handler of the dashboard.
func NewServer(dashboard *Dashboard, view *ViewState) http.Handler {
	mux := http.NewServeMux()
	s := &server{dashboard: dashboard, view: view}

	s.handle(mux, "GET /{$}", s.index)
	s.handle(mux, "GET /api/session", s.sessionInfo)
	s.handle(mux, "POST /api/wallet", s.selectWallet)
	s.handle(mux, "POST /api/refresh", s.refresh)
	s.handle(mux, "POST /api/more", s.loadMore)
	s.handle(mux, "GET /api/transactions", s.transactions)
	s.handle(mux, "GET /api/balances", s.balances)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type server struct {
	dashboard *Dashboard
	view      *ViewState
}

func (s *server) handle(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		incrementResponseCount(appResponses, pattern, rec.status)
	})
}

func (s *server) index(w http.ResponseWriter, r *http.Request) {
	session := s.dashboard.Session()
	items, hasMore, _ := s.dashboard.Transactions()
	balances, _ := s.view.Balances(session.Active)
	data := struct {
		Session  Session
		Balances map[string]BalanceSnapshot
		Loaded   int
		HasMore  bool
		Error    string
	}{
		Session:  session,
		Balances: balances.Balances,
		Loaded:   len(items),
		HasMore:  hasMore,
		Error:    s.view.LastError(session.Active),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		serverLog.Warnf("render index failed error=%v", err)
	}
}

func (s *server) sessionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dashboard.Session())
}

func (s *server) selectWallet(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, errors.New("address is required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.dashboard.SelectWallet(ctx, address); err != nil {
		writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dashboard.Session())
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.dashboard.Refresh(ctx); err != nil {
		writeLoadError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) loadMore(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.dashboard.LoadMore(ctx); err != nil {
		writeLoadError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) transactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	scrollTop, err := intParam(query.Get("scrollTop"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	viewport, err := intParam(query.Get("viewport"), 800)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	window, rows := s.dashboard.Scroll(scrollTop, viewport)
	items, hasMore, state := s.dashboard.Transactions()
	if rows == nil {
		rows = []Row{}
	}
	writeJSON(w, http.StatusOK, transactionsResponse{
		Window:  window,
		Rows:    rows,
		Total:   len(items),
		HasMore: hasMore,
		State:   state.String(),
		Error:   s.view.LastError(s.dashboard.Session().Active),
	})
}

func (s *server) balances(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	set, err := s.dashboard.Balances(ctx)
	if err != nil {
		writeLoadError(w, err)
		return
	}
	resp := balancesResponse{
		Wallet:   s.dashboard.Session().Active,
		Balances: set.Balances,
		TxCount:  set.TxCount,
	}
	if resp.TxCount == nil {
		if count, ok := s.dashboard.TxCount(ctx); ok {
			resp.TxCount = &count
		}
	}
	if resp.Balances == nil {
		resp.Balances = map[string]BalanceSnapshot{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("invalid numeric parameter " + strconv.Quote(raw))
	}
	return value, nil
}

func writeLoadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownWallet):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrFetchInProgress):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		serverLog.Warnf("encode response failed error=%v", err)
	}
}
