package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/shopspring/decimal"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/compute"
	"github.com/rotortrack/rotortrack/server/internal/fleet"
)

type staticSource struct {
	snaps []fleet.BusSnapshot
	err   error
}

func (s staticSource) Snapshot(context.Context) ([]fleet.BusSnapshot, error) {
	return s.snaps, s.err
}

func sampleFleet() []fleet.BusSnapshot {
	th := decimal.RequireFromString("26.000")
	left, days := int64(4000), int64(80)
	return []fleet.BusSnapshot{{
		Bus: types.Bus{ID: 1, Number: "101", CurrentMileage: 81000},
		Rotors: []compute.Stats{
			{Position: types.FrontLeft, CurrentThickness: &th, MilesLeft: &left, DaysLeft: &days, Alert: true},
			{Position: types.FrontRight},
		},
	}}
}

func scrape(t *testing.T, src Snapshotter) (int, map[string]*dto.MetricFamily) {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		return rec.Code, nil
	}
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(rec.Body)
	if err != nil {
		t.Fatalf("parse exposition: %v", err)
	}
	return rec.Code, mfs
}

func gaugeFor(mf *dto.MetricFamily, labels map[string]string) (float64, bool) {
	for _, m := range mf.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match && len(m.GetLabel()) == len(labels) {
			return m.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestHandler_Exposition(t *testing.T) {
	code, mfs := scrape(t, staticSource{snaps: sampleFleet()})
	if code != http.StatusOK {
		t.Fatalf("status: got %d", code)
	}

	fl := map[string]string{"bus": "101", "position": "Front-Left"}
	fr := map[string]string{"bus": "101", "position": "Front-Right"}
	tests := []struct {
		family string
		labels map[string]string
		want   float64
		absent bool
	}{
		{BusMileage, map[string]string{"bus": "101"}, 81000, false},
		{RotorThickness, fl, 26, false},
		{RotorMilesLeft, fl, 4000, false},
		{RotorDaysLeft, fl, 80, false},
		{RotorAlert, fl, 1, false},
		{RotorAlert, fr, 0, false},
		{RotorThickness, fr, 0, true},
		{RotorMilesLeft, fr, 0, true},
	}
	for _, tt := range tests {
		mf, ok := mfs[tt.family]
		if !ok {
			t.Errorf("family %s missing", tt.family)
			continue
		}
		if mf.GetType() != dto.MetricType_GAUGE {
			t.Errorf("%s type: got %v, want gauge", tt.family, mf.GetType())
		}
		got, found := gaugeFor(mf, tt.labels)
		if tt.absent {
			if found {
				t.Errorf("%s%v present, want omitted", tt.family, tt.labels)
			}
			continue
		}
		if !found || got != tt.want {
			t.Errorf("%s%v: got %v (found=%v), want %v", tt.family, tt.labels, got, found, tt.want)
		}
	}
}

func TestHandler_EmptyFleet(t *testing.T) {
	code, mfs := scrape(t, staticSource{})
	if code != http.StatusOK {
		t.Fatalf("status: got %d", code)
	}
	if len(mfs) != 0 {
		t.Errorf("want no families, got %d", len(mfs))
	}
}

func TestHandler_SnapshotError(t *testing.T) {
	code, _ := scrape(t, staticSource{err: errors.New("db down")})
	if code != http.StatusInternalServerError {
		t.Errorf("status: got %d, want 500", code)
	}
}
