package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State          string `json:"state"` // "unknown" | "ok" | "attention"
	BusCount       int    `json:"bus_count"`
	RotorCount     int    `json:"rotor_count"`
	AlertCount     int    `json:"alert_count"`
	NeedsDataCount int    `json:"needs_data_count"`
	FiringAlerts   int    `json:"firing_alerts"`
}

// BusResponse is the identity block of a bus.
type BusResponse struct {
	ID                int64    `json:"id"`
	Number            string   `json:"bus_number"`
	Type              string   `json:"bus_type"`
	Location          string   `json:"location"`
	CurrentMileage    int64    `json:"current_mileage"`
	Articulated       bool     `json:"is_articulating"`
	MinRotorThickness string   `json:"min_rotor_thickness"`
	Positions         []string `json:"positions"`
}

// RotorResponse is the projection of one rotor position.
// Null fields are undefined for the recorded history.
type RotorResponse struct {
	Position           string  `json:"position"`
	CurrentThickness   *string `json:"current_thickness"`
	StartingMileage    *int64  `json:"starting_mileage"`
	StartingThickness  *string `json:"starting_thickness"`
	WearRate           *string `json:"wear_rate"`
	DailyMiles         *string `json:"daily_miles"`
	ServiceLifeMiles   *int64  `json:"service_life_miles"`
	ReplacementMileage *int64  `json:"replacement_mileage"`
	MilesLeft          *int64  `json:"miles_left"`
	DaysLeft           *int64  `json:"days_left"`
	Alert              bool    `json:"alert"`
}

// BusSnapshotResponse is one bus in GET /api/v1/fleet.
type BusSnapshotResponse struct {
	Bus    BusResponse     `json:"bus"`
	Rotors []RotorResponse `json:"rotors"`
	Alerts []string        `json:"alerts"`
}

// LatestReading is the last recorded measurement of one position, keyed by
// position in BusDetailResponse.
type LatestReading struct {
	Field     string `json:"field"` // intake form field name
	Date      string `json:"measurement_date"`
	Mileage   int64  `json:"mileage"`
	Thickness string `json:"thickness_mm"`
}

// BusDetailResponse is the payload for GET /api/v1/buses/{id}.
type BusDetailResponse struct {
	BusSnapshotResponse
	LatestThickness map[string]LatestReading `json:"latest_thickness"`
}

// LowestRotorResponse summarises the thinnest measured rotor of a bus.
type LowestRotorResponse struct {
	Position         *string `json:"position"`
	StatusLabel      string  `json:"status_label"`
	StatusClass      string  `json:"status_class"`
	CurrentThickness *string `json:"current_thickness"`
}

// BusOverviewResponse is one entry in GET /api/v1/buses.
type BusOverviewResponse struct {
	BusResponse
	LowestRotor LowestRotorResponse `json:"lowest_rotor"`
}

// FleetResponse is the payload for GET /api/v1/fleet.
type FleetResponse struct {
	Buses       []BusSnapshotResponse `json:"buses"`
	GeneratedAt string                `json:"generated_at"` // RFC3339
}

// MeasurementResponse is one stored rotor measurement.
type MeasurementResponse struct {
	ID        int64  `json:"id"`
	BusID     int64  `json:"bus_id"`
	Position  string `json:"position"`
	Date      string `json:"measurement_date"`
	Mileage   int64  `json:"mileage"`
	Thickness string `json:"thickness_mm"`
}

// IntakeResponse is the payload for POST /api/v1/buses/{id}/measurements.
type IntakeResponse struct {
	Date     string                `json:"measurement_date"`
	Mileage  int64                 `json:"mileage"`
	Saved    []MeasurementResponse `json:"saved"`
	Snapshot BusSnapshotResponse   `json:"snapshot"`
}

// InitializeResponse is the payload for POST /api/v1/buses/{id}/initialize.
type InitializeResponse struct {
	Saved    []MeasurementResponse `json:"saved"`
	Snapshot BusSnapshotResponse   `json:"snapshot"`
}

// BusRequest is the body of POST /api/v1/buses and PUT /api/v1/buses/{id}.
type BusRequest struct {
	Number            string `json:"bus_number"`
	Type              string `json:"bus_type"`
	Location          string `json:"location"`
	CurrentMileage    int64  `json:"current_mileage"`
	Articulated       bool   `json:"is_articulating"`
	MinRotorThickness string `json:"min_rotor_thickness"`
}

// IntakeRequest is the JSON body of POST /api/v1/buses/{id}/measurements.
// Thickness keys may be position names ("Front-Left") or form field names
// ("thickness_front_left").
type IntakeRequest struct {
	Date      string                 `json:"measurement_date"`
	Mileage   looseString            `json:"mileage"`
	Thickness map[string]looseString `json:"thickness"`
}

// InitializeRequest is the optional body of POST /api/v1/buses/{id}/initialize.
type InitializeRequest struct {
	Date string `json:"measurement_date"`
}

// looseString accepts a JSON string, number or null and keeps its text.
// Intake values are normalised by the fleet package, not by the decoder.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("want string or number, got %s", b)
		}
		*s = looseString(n.String())
	}
	return nil
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
