package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookwatch/bookwatch/internal/catalog"
	"github.com/bookwatch/bookwatch/internal/config"
	"github.com/bookwatch/bookwatch/internal/crawl"
	"github.com/bookwatch/bookwatch/internal/store"
	storemem "github.com/bookwatch/bookwatch/internal/store/memory"
)

type fakeRunner struct {
	full  crawl.Outcome
	rnge  crawl.Outcome
	state crawl.State
}

func (f *fakeRunner) RunFullCrawl(context.Context) crawl.Outcome { return f.full }

func (f *fakeRunner) RunPageRange(_ context.Context, _, _ int) crawl.Outcome { return f.rnge }

func (f *fakeRunner) State() crawl.State {
	if f.state == "" {
		return crawl.StateIdle
	}
	return f.state
}

func newTestServer(t *testing.T, gw store.Gateway, runner Runner, cfg config.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(gw, runner, cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func seedGateway(t *testing.T) *storemem.Gateway {
	t.Helper()
	gw := storemem.New(nil)
	books := []catalog.Book{
		{SourceURL: "https://example.test/b1", Name: "A Light in the Attic", Category: "Poetry",
			PriceInclTax: 51.77, Rating: 3, InStock: true},
		{SourceURL: "https://example.test/b2", Name: "Tipping the Velvet", Category: "Historical Fiction",
			PriceInclTax: 53.74, Rating: 1, InStock: true},
		{SourceURL: "https://example.test/b3", Name: "Soumission", Category: "Fiction",
			PriceInclTax: 50.10, Rating: 1, InStock: false},
	}
	for _, b := range books {
		b.ContentHash = catalog.ContentHash(b)
		_, err := gw.Apply(context.Background(), catalog.Decision{Kind: catalog.DecisionCreate, Candidate: b})
		require.NoError(t, err)
	}
	return gw
}

func getJSON(t *testing.T, url string, dst any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if dst != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp
}

func TestTriggerFullCrawl_OutcomeStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		outcome crawl.Outcome
		want    int
	}{
		{"completed", crawl.Outcome{Status: crawl.StatusCompleted, Summary: crawl.Summary{RunID: "r1"}}, http.StatusAccepted},
		{"skipped", crawl.Outcome{Status: crawl.StatusSkipped, Reason: "crawl lock held by another run"}, http.StatusConflict},
		{"failed", crawl.Outcome{Status: crawl.StatusFailed, Err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, storemem.New(nil), &fakeRunner{full: tc.outcome}, config.Config{})

			resp, err := http.Post(srv.URL+"/v1/crawl", "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestTriggerRangeCrawl_ValidatesInput(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, storemem.New(nil),
		&fakeRunner{rnge: crawl.Outcome{Status: crawl.StatusCompleted}}, config.Config{})

	resp, err := http.Post(srv.URL+"/v1/crawl/range", "application/json",
		strings.NewReader(`{"start_page":3,"end_page":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/v1/crawl/range", "application/json",
		strings.NewReader(`{"start_page":1,"end_page":3}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp2.StatusCode)
}

func TestCrawlStatus(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, storemem.New(nil), &fakeRunner{state: crawl.StatePaginating}, config.Config{})

	var body map[string]string
	resp := getJSON(t, srv.URL+"/v1/crawl/status", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paginating", body["state"])
}

func TestListBooks_FilterAndSort(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, seedGateway(t), &fakeRunner{}, config.Config{})

	var body struct {
		Items []catalog.Book `json:"items"`
		Total int            `json:"total"`
	}
	resp := getJSON(t, srv.URL+"/v1/books/?in_stock=true&sort=-price_incl_tax", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Items, 2)
	assert.Equal(t, "Tipping the Velvet", body.Items[0].Name)

	resp = getJSON(t, srv.URL+"/v1/books/?category=Poetry", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, body.Total)
}

func TestGetBook_And_Lookup(t *testing.T) {
	t.Parallel()
	gw := seedGateway(t)
	srv := newTestServer(t, gw, &fakeRunner{}, config.Config{})

	stored, err := gw.FindBySourceURL(context.Background(), "https://example.test/b1")
	require.NoError(t, err)

	var book catalog.Book
	resp := getJSON(t, srv.URL+"/v1/books/"+stored.ID+"/", &book)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "A Light in the Attic", book.Name)

	resp = getJSON(t, srv.URL+"/v1/books/lookup?source_url=https%3A%2F%2Fexample.test%2Fb1", &book)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stored.ID, book.ID)

	resp = getJSON(t, srv.URL+"/v1/books/nope/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBookChanges(t *testing.T) {
	t.Parallel()
	gw := seedGateway(t)
	srv := newTestServer(t, gw, &fakeRunner{}, config.Config{})

	stored, err := gw.FindBySourceURL(context.Background(), "https://example.test/b1")
	require.NoError(t, err)

	var events []catalog.ChangeEvent
	resp := getJSON(t, srv.URL+"/v1/books/"+stored.ID+"/changes", &events)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, events, 1)
	assert.Equal(t, catalog.ChangeTypeNew, events[0].ChangeType)
}

func TestListChanges_RejectsUnknownType(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, seedGateway(t), &fakeRunner{}, config.Config{})

	resp := getJSON(t, srv.URL+"/v1/changes?type=renamed", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Total int `json:"total"`
	}
	resp = getJSON(t, srv.URL+"/v1/changes?type=new", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, body.Total)
}

func TestChangesReportCSV(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, seedGateway(t), &fakeRunner{}, config.Config{})

	resp, err := http.Get(srv.URL + "/v1/reports/changes.csv")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4, "header plus three events")
	assert.Equal(t, "change_type", rows[0][3])
	assert.Equal(t, "new", rows[1][3])
}

func TestChangesReportJSON_DateRange(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, seedGateway(t), &fakeRunner{}, config.Config{})

	until := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	var body struct {
		Count int `json:"count"`
	}
	resp := getJSON(t, srv.URL+"/v1/reports/changes.json?until="+until, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, body.Count, "all events are newer than the range")
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}, RatePerSecond: 1000, Burst: 5}
	srv := newTestServer(t, seedGateway(t), &fakeRunner{}, cfg)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAPIKeyRateLimit(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}, RatePerSecond: 0.001, Burst: 2}
	srv := newTestServer(t, seedGateway(t), &fakeRunner{}, cfg)

	var last int
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("X-API-Key", "secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last, "third request exceeds the burst of 2")
}

func TestReadyz_ReportsStoreHealth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, storemem.New(nil), &fakeRunner{}, config.Config{})

	resp := getJSON(t, srv.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
