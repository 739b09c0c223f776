package health

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cendern/toothpaste/internal/metrics"
)

type fakeProvider struct {
	state string
	ready bool
}

func (p *fakeProvider) State() string { return p.state }
func (p *fakeProvider) Ready() bool   { return p.ready }

func startServer(t *testing.T, p StatusProvider, reg *prometheus.Registry) *Server {
	t.Helper()
	s := NewServer(nil, p, reg)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestHealthz(t *testing.T) {
	p := &fakeProvider{state: "READY", ready: true}
	s := startServer(t, p, prometheus.NewRegistry())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["state"] != "READY" {
		t.Errorf("state = %v, want READY", body["state"])
	}
	if body["version"] == "" {
		t.Error("version missing")
	}
}

func TestReady(t *testing.T) {
	p := &fakeProvider{state: "UNPAIRED", ready: false}
	s := startServer(t, p, prometheus.NewRegistry())

	resp, err := http.Get("http://" + s.Addr() + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d while not ready, want 503", resp.StatusCode)
	}

	p.ready = true
	resp, err = http.Get("http://" + s.Addr() + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d while ready, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.PacketsReceived.WithLabelValues("DATA").Inc()

	s := startServer(t, &fakeProvider{}, reg)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("empty metrics body")
	}
	if !bytes.Contains(body, []byte("toothpaste_packets_received_total")) {
		t.Errorf("metrics output missing packet counter: %s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := startServer(t, &fakeProvider{}, prometheus.NewRegistry())

	resp, err := http.Post("http://"+s.Addr()+"/healthz", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
