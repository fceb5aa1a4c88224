package metrics_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NicolasHaas/typeduel/pkg/metrics"
)

func TestSnapshot(t *testing.T) {
	m := metrics.New()
	m.RacesStarted.Add(3)
	m.RacesAborted.Add(1)
	m.SetGauges(func() int { return 5 }, func() int { return 2 })

	s := m.Snapshot()
	if s.RacesStarted != 3 || s.RacesAborted != 1 {
		t.Errorf("races = %d/%d, want 3/1", s.RacesStarted, s.RacesAborted)
	}
	if s.QueueLength != 5 || s.ActiveRaces != 2 {
		t.Errorf("gauges = %d/%d, want 5/2", s.QueueLength, s.ActiveRaces)
	}

	var decoded metrics.Snapshot
	if err := json.Unmarshal([]byte(m.JSON()), &decoded); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if decoded.RacesStarted != 3 {
		t.Errorf("JSON races_started = %d, want 3", decoded.RacesStarted)
	}
}

func TestMustRegister(t *testing.T) {
	m := metrics.New()
	m.ResultsRecorded.Add(7)
	m.SetGauges(func() int { return 4 }, nil)
	m.ObserveStoreWrite(time.Now())

	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				got[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				got[f.GetName()] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				got[f.GetName()] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}

	want := map[string]float64{
		"typeduel_results_recorded_total":       7,
		"typeduel_queue_length":                 4,
		"typeduel_active_races":                 0,
		"typeduel_store_write_duration_seconds": 1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
}
