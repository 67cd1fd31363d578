package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestMux(t *testing.T, cfg Config) (*Engine, *http.ServeMux) {
	t.Helper()
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, newHTTPMux(e, e.config.HTTP)
}

func TestHTTPSync(t *testing.T) {
	_, mux := newTestMux(t, Config{})

	body, _ := json.Marshal(SyncRequest{
		DeviceID: "dev-1",
		RepID:    "rep-1",
		Knocks:   []Knock{syncKnock("k1", "rep-1", "dev-1", 1000)},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Accepted.Knocks) != 1 || resp.Accepted.Knocks[0].ServerSequence != 1 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHTTPSyncRejectsBadRequest(t *testing.T) {
	_, mux := newTestMux(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewReader([]byte(`{"knocks": []}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing device id: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sync", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET sync: status = %d", w.Code)
	}
}

func TestHTTPKnocks(t *testing.T) {
	_, mux := newTestMux(t, Config{})

	body, _ := json.Marshal(Knock{
		RepID:    "rep-1",
		Outcome:  OutcomeAppointment,
		Location: GeoPoint{Lat: 37.77, Lon: -122.41},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/knocks", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/knocks?repId=rep-1", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", w.Code, w.Body.String())
	}
	var list struct {
		Knocks []Knock `json:"knocks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Knocks) != 1 {
		t.Fatalf("listed %d knocks", len(list.Knocks))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/knocks", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing repId: status = %d", w.Code)
	}
}

func TestHTTPLeads(t *testing.T) {
	_, mux := newTestMux(t, Config{})

	body, _ := json.Marshal(Lead{Name: "Ada", OwnerRepID: "rep-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/leads", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var created Lead
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.LeadID == "" || created.Version != 1 {
		t.Fatalf("created = %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/leads?id="+created.LeadID, nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/leads?id=missing", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing lead: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/leads?repId=rep-1", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	var list struct {
		Leads []Lead `json:"leads"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Leads) != 1 {
		t.Fatalf("listed %d leads", len(list.Leads))
	}
}

func TestHTTPMapAndTerritory(t *testing.T) {
	e, mux := newTestMux(t, Config{})
	ctx := context.Background()
	if _, err := e.Sync(ctx, &SyncRequest{DeviceID: "dev-a", Knocks: []Knock{
		syncKnock("k1", "rep-1", "dev-a", 1000),
	}}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet,
		"/v1/map?minLat=37&minLon=-123&maxLat=38&maxLon=-122", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("map status = %d: %s", w.Code, w.Body.String())
	}
	var m struct {
		Cells []HeatmapCell `json:"cells"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Cells) != 1 || m.Cells[0].KnockCount != 1 {
		t.Fatalf("cells = %+v", m.Cells)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/map?minLat=x", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad bounds: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/territory?repId=rep-1", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("territory status = %d", w.Code)
	}
	var sum TerritorySummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.KnockCount != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestHTTPCoaching(t *testing.T) {
	e, mux := newTestMux(t, Config{
		Scorer: CoachingScorerFunc(func(ctx context.Context, knockID, transcript string) (*CoachingResult, error) {
			return &CoachingResult{FeedbackText: "solid close", Score: 91}, nil
		}),
	})
	accepted, err := e.LogKnock(context.Background(), Knock{
		RepID:    "rep-1",
		Outcome:  OutcomeSale,
		Location: GeoPoint{Lat: 37.77, Lon: -122.41},
	})
	if err != nil {
		t.Fatal(err)
	}

	body := fmt.Sprintf(`{"knockId":%q,"transcript":"..."}`, accepted.KnockID)
	req := httptest.NewRequest(http.MethodPost, "/v1/coaching", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var res CoachingResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Score != 91 {
		t.Fatalf("result = %+v", res)
	}
}

func TestHTTPCoachingWithoutScorer(t *testing.T) {
	_, mux := newTestMux(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/coaching",
		bytes.NewReader([]byte(`{"knockId":"k1"}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", w.Code)
	}
}

func TestHTTPHealthAndStats(t *testing.T) {
	_, mux := newTestMux(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("stats status = %d", w.Code)
	}
	var stats EngineStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Errorf("stats decode: %v", err)
	}
}

func TestHTTPRateLimit(t *testing.T) {
	_, mux := newTestMux(t, Config{HTTP: HTTPConfig{RateLimitPerSecond: 2}})

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/leads", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last)
	}

	// Health is never rate limited.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}
