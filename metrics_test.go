package fieldsync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

func TestMetricsPush(t *testing.T) {
	received := make(chan prompb.WriteRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Encoding"); got != "snappy" {
			t.Errorf("content encoding = %q", got)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			t.Errorf("snappy: %v", err)
			return
		}
		var req prompb.WriteRequest
		if err := req.Unmarshal(raw); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		received <- req
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := openTestEngine(t)
	ctx := context.Background()
	if _, err := e.Sync(ctx, &SyncRequest{DeviceID: "dev-a", Knocks: []Knock{
		syncKnock("k1", "rep-1", "dev-a", 1000),
	}}); err != nil {
		t.Fatal(err)
	}

	p := NewMetricsPusher(e, MetricsConfig{Enabled: true, Endpoint: srv.URL, Job: "test"})
	if err := p.Push(ctx); err != nil {
		t.Fatalf("push: %v", err)
	}

	var req prompb.WriteRequest
	select {
	case req = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("no write request received")
	}

	byName := make(map[string]float64)
	for _, ts := range req.Timeseries {
		var name, job string
		for _, l := range ts.Labels {
			switch l.Name {
			case "__name__":
				name = l.Value
			case "job":
				job = l.Value
			}
		}
		if job != "test" {
			t.Errorf("series %s job = %q", name, job)
		}
		if len(ts.Samples) != 1 {
			t.Errorf("series %s has %d samples", name, len(ts.Samples))
			continue
		}
		byName[name] = ts.Samples[0].Value
	}

	if byName["fieldsync_knocks_accepted_total"] != 1 {
		t.Errorf("knocks accepted = %f", byName["fieldsync_knocks_accepted_total"])
	}
	if byName["fieldsync_sync_sessions_total"] != 1 {
		t.Errorf("sync sessions = %f", byName["fieldsync_sync_sessions_total"])
	}
	if _, ok := byName["fieldsync_conflicts_resolved_total"]; !ok {
		t.Error("conflicts series missing")
	}
}

func TestMetricsPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := openTestEngine(t)
	p := NewMetricsPusher(e, MetricsConfig{Enabled: true, Endpoint: srv.URL})
	if err := p.Push(context.Background()); err == nil {
		t.Fatal("failed push reported success")
	}
}

func TestMetricsPusherStartStop(t *testing.T) {
	e := openTestEngine(t)
	p := NewMetricsPusher(e, MetricsConfig{Enabled: true, Endpoint: "http://127.0.0.1:1", Interval: time.Hour})
	p.Start()
	p.Stop()
	// Stop again is a no-op.
	p.Stop()
}
