package metrics

import (
	"context"
	"log/slog"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/rotortrack/rotortrack/server/internal/fleet"
)

// Metric names.
const (
	BusMileage     = "rotortrack_bus_mileage"
	RotorThickness = "rotortrack_rotor_thickness_mm"
	RotorMilesLeft = "rotortrack_rotor_miles_left"
	RotorDaysLeft  = "rotortrack_rotor_days_left"
	RotorAlert     = "rotortrack_rotor_alert"
	labelBus       = "bus"
	labelPosition  = "position"
)

// Snapshotter is the fleet read the handler needs.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]fleet.BusSnapshot, error)
}

// Handler serves the Prometheus text exposition of the current fleet state.
func Handler(src Snapshotter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snaps, err := src.Snapshot(r.Context())
		if err != nil {
			slog.Error("metrics: snapshot failed", "err", err)
			http.Error(w, "snapshot failed", http.StatusInternalServerError)
			return
		}

		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		w.Header().Set("Content-Type", string(format))
		enc := expfmt.NewEncoder(w, format)
		for _, mf := range Families(snaps) {
			if err := enc.Encode(mf); err != nil {
				slog.Error("metrics: encode failed", "family", mf.GetName(), "err", err)
				return
			}
		}
	})
}

// Families converts snapshots into gauge families, in a fixed order.
// Families without samples are left out.
func Families(snaps []fleet.BusSnapshot) []*dto.MetricFamily {
	mileage := newGauge(BusMileage, "Current odometer reading of the bus.")
	thickness := newGauge(RotorThickness, "Most recent measured rotor thickness in millimetres.")
	milesLeft := newGauge(RotorMilesLeft, "Projected miles until the rotor reaches its minimum thickness.")
	daysLeft := newGauge(RotorDaysLeft, "Projected days until the rotor reaches its minimum thickness.")
	alert := newGauge(RotorAlert, "1 when the rotor is due for replacement soon, else 0.")

	for _, s := range snaps {
		bus := s.Bus.Number
		addSample(mileage, float64(s.Bus.CurrentMileage), labelBus, bus)

		for _, r := range s.Rotors {
			pos := string(r.Position)
			if r.CurrentThickness != nil {
				addSample(thickness, r.CurrentThickness.InexactFloat64(), labelBus, bus, labelPosition, pos)
			}
			if r.MilesLeft != nil {
				addSample(milesLeft, float64(*r.MilesLeft), labelBus, bus, labelPosition, pos)
			}
			if r.DaysLeft != nil {
				addSample(daysLeft, float64(*r.DaysLeft), labelBus, bus, labelPosition, pos)
			}
			v := 0.0
			if r.Alert {
				v = 1
			}
			addSample(alert, v, labelBus, bus, labelPosition, pos)
		}
	}

	out := make([]*dto.MetricFamily, 0, 5)
	for _, mf := range []*dto.MetricFamily{mileage, thickness, milesLeft, daysLeft, alert} {
		if len(mf.Metric) > 0 {
			out = append(out, mf)
		}
	}
	return out
}

func newGauge(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: strPtr(name),
		Help: strPtr(help),
		Type: dto.MetricType_GAUGE.Enum(),
	}
}

// addSample appends one gauge sample; labels are name/value pairs.
func addSample(mf *dto.MetricFamily, v float64, labels ...string) {
	m := &dto.Metric{Gauge: &dto.Gauge{Value: &v}}
	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  strPtr(labels[i]),
			Value: strPtr(labels[i+1]),
		})
	}
	mf.Metric = append(mf.Metric, m)
}

func strPtr(s string) *string { return &s }
