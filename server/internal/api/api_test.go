package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rotortrack/rotortrack/server/internal/alerts"
	"github.com/rotortrack/rotortrack/server/internal/api"
	"github.com/rotortrack/rotortrack/server/internal/auth"
	"github.com/rotortrack/rotortrack/server/internal/config"
	"github.com/rotortrack/rotortrack/server/internal/fleet"
	"github.com/rotortrack/rotortrack/server/internal/store/memory"
)

// --- test helpers -----------------------------------------------------------

type fixture struct {
	h      http.Handler
	alerts *alerts.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	eng := alerts.New(config.AlertsConfig{})
	return &fixture{h: api.New(st, fleet.NewBuilder(st), eng), alerts: eng}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodGet, path, "")
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func wantStatus(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("status: got %d, want %d (body: %s)", rr.Code, code, rr.Body.String())
	}
}

func createBus(t *testing.T, h http.Handler, number string, articulated bool, mileage int) api.BusResponse {
	t.Helper()
	body, _ := json.Marshal(api.BusRequest{
		Number:            number,
		Type:              "40ft Diesel",
		Location:          "North Garage",
		CurrentMileage:    int64(mileage),
		Articulated:       articulated,
		MinRotorThickness: "10.00",
	})
	rr := do(t, h, http.MethodPost, "/api/v1/buses", string(body))
	wantStatus(t, rr, http.StatusCreated)
	var bus api.BusResponse
	decode(t, rr, &bus)
	return bus
}

func busPath(id int64, suffix string) string {
	return "/api/v1/buses/" + itoa(id) + suffix
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

// recordExample stores the two Front-Left readings of the reference wear
// example: 28.000mm at 40000 miles and 26.000mm at 45000 miles, 100 days apart.
func recordExample(t *testing.T, h http.Handler, id int64) {
	t.Helper()
	for _, body := range []string{
		`{"measurement_date":"2024-01-10","mileage":40000,"thickness":{"Front-Left":"28.000"}}`,
		`{"measurement_date":"2024-04-19","mileage":"45000","thickness":{"thickness_front_left":26}}`,
	} {
		wantStatus(t, do(t, h, http.MethodPost, busPath(id, "/measurements"), body), http.StatusCreated)
	}
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth_EmptyStore(t *testing.T) {
	f := newFixture(t)
	rr := get(t, f.h, "/api/v1/health")
	wantStatus(t, rr, http.StatusOK)

	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.State != "unknown" || resp.BusCount != 0 {
		t.Errorf("got %+v, want unknown with 0 buses", resp)
	}
}

func TestHealth_Counts(t *testing.T) {
	f := newFixture(t)
	createBus(t, f.h, "101", false, 50000)
	createBus(t, f.h, "200", true, 0)

	var resp api.HealthResponse
	decode(t, get(t, f.h, "/api/v1/health"), &resp)
	if resp.BusCount != 2 || resp.RotorCount != 10 || resp.NeedsDataCount != 10 {
		t.Errorf("counts: got %+v", resp)
	}
	if resp.State != "ok" {
		t.Errorf("state: got %q, want ok", resp.State)
	}
}

// --- /api/v1/buses ----------------------------------------------------------

func TestCreateBus_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing number", `{"min_rotor_thickness":"10.00"}`, http.StatusBadRequest},
		{"bad thickness", `{"bus_number":"1","min_rotor_thickness":"ten"}`, http.StatusBadRequest},
		{"too many decimals", `{"bus_number":"1","min_rotor_thickness":"10.005"}`, http.StatusBadRequest},
		{"negative mileage", `{"bus_number":"1","min_rotor_thickness":"10","current_mileage":-1}`, http.StatusBadRequest},
		{"new rotor over ceiling", `{"bus_number":"1","min_rotor_thickness":"992.00"}`, http.StatusBadRequest},
		{"unknown field", `{"bus_number":"1","min_rotor_thickness":"10","color":"red"}`, http.StatusBadRequest},
		{"not json", `bus=1`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, f.h, http.MethodPost, "/api/v1/buses", tt.body)
			wantStatus(t, rr, tt.want)
			var resp map[string]string
			decode(t, rr, &resp)
			if resp["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestCreateBus_Conflict(t *testing.T) {
	f := newFixture(t)
	createBus(t, f.h, "101", false, 0)
	rr := do(t, f.h, http.MethodPost, "/api/v1/buses", `{"bus_number":"101","min_rotor_thickness":"10"}`)
	wantStatus(t, rr, http.StatusConflict)
}

func TestListBuses_LowestRotor(t *testing.T) {
	f := newFixture(t)
	a := createBus(t, f.h, "101", false, 50000)
	createBus(t, f.h, "200", true, 0)
	recordExample(t, f.h, a.ID)

	rr := get(t, f.h, "/api/v1/buses")
	wantStatus(t, rr, http.StatusOK)
	var rows []api.BusOverviewResponse
	decode(t, rr, &rows)
	if len(rows) != 2 {
		t.Fatalf("rows: got %d, want 2", len(rows))
	}
	first := rows[0].LowestRotor
	if first.Position == nil || *first.Position != "Front-Left" || first.StatusLabel != fleet.StatusHealthy {
		t.Errorf("bus 101 lowest: got %+v", first)
	}
	if first.CurrentThickness == nil || *first.CurrentThickness != "26.000" {
		t.Errorf("bus 101 thickness: got %v", first.CurrentThickness)
	}
	second := rows[1].LowestRotor
	if second.Position != nil || second.StatusClass != fleet.ClassMissing {
		t.Errorf("bus 200 lowest: got %+v", second)
	}
	if len(rows[1].Positions) != 6 {
		t.Errorf("articulated positions: got %v", rows[1].Positions)
	}
}

func TestListBuses_Filter(t *testing.T) {
	f := newFixture(t)
	createBus(t, f.h, "101", false, 0)
	createBus(t, f.h, "200", true, 0)

	var rows []api.BusOverviewResponse
	decode(t, get(t, f.h, "/api/v1/buses?articulated=true"), &rows)
	if len(rows) != 1 || rows[0].Number != "200" {
		t.Errorf("articulated filter: got %+v", rows)
	}
	decode(t, get(t, f.h, "/api/v1/buses?q=10"), &rows)
	if len(rows) != 1 || rows[0].Number != "101" {
		t.Errorf("search: got %+v", rows)
	}
	wantStatus(t, get(t, f.h, "/api/v1/buses?articulated=maybe"), http.StatusBadRequest)
}

func TestGetBus_Detail(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 50000)
	recordExample(t, f.h, bus.ID)

	rr := get(t, f.h, busPath(bus.ID, ""))
	wantStatus(t, rr, http.StatusOK)
	var resp api.BusDetailResponse
	decode(t, rr, &resp)

	if len(resp.Rotors) != 4 {
		t.Fatalf("rotors: got %d, want 4", len(resp.Rotors))
	}
	fl := resp.Rotors[0]
	if fl.MilesLeft == nil || *fl.MilesLeft != 35000 || fl.DaysLeft == nil || *fl.DaysLeft != 700 {
		t.Errorf("front-left projection: %+v", fl)
	}
	if fl.WearRate == nil || *fl.WearRate != "0.000400" {
		t.Errorf("wear rate: got %v", fl.WearRate)
	}
	latest, ok := resp.LatestThickness["Front-Left"]
	if !ok || latest.Thickness != "26.000" || latest.Field != "thickness_front_left" {
		t.Errorf("latest: got %+v", resp.LatestThickness)
	}
	if len(resp.Alerts) != 0 {
		t.Errorf("alerts: got %v", resp.Alerts)
	}
}

func TestGetBus_Errors(t *testing.T) {
	f := newFixture(t)
	wantStatus(t, get(t, f.h, "/api/v1/buses/99"), http.StatusNotFound)
	wantStatus(t, get(t, f.h, "/api/v1/buses/abc"), http.StatusBadRequest)
}

func TestUpdateBus_RaisesAlert(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 50000)
	recordExample(t, f.h, bus.ID)

	body := `{"bus_number":"101","current_mileage":81000,"min_rotor_thickness":"10.00"}`
	wantStatus(t, do(t, f.h, http.MethodPut, busPath(bus.ID, ""), body), http.StatusOK)

	var resp api.BusDetailResponse
	decode(t, get(t, f.h, busPath(bus.ID, "")), &resp)
	if len(resp.Alerts) != 1 || resp.Alerts[0] != "Front-Left rotor due soon" {
		t.Errorf("alerts: got %v", resp.Alerts)
	}
	if f.alerts.FiringCount() != 1 {
		t.Errorf("engine firing: got %d, want 1", f.alerts.FiringCount())
	}

	wantStatus(t, do(t, f.h, http.MethodPut, busPath(99, ""), body), http.StatusNotFound)
}

func TestUpdateBus_ArticulatedToStandardResolvesCentreAlert(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", true, 50000)
	for _, body := range []string{
		`{"measurement_date":"2024-01-10","mileage":40000,"thickness":{"Center-Left":"28.000"}}`,
		`{"measurement_date":"2024-04-19","mileage":45000,"thickness":{"Center-Left":"26.000"}}`,
		`{"mileage":81000}`,
	} {
		wantStatus(t, do(t, f.h, http.MethodPost, busPath(bus.ID, "/measurements"), body), http.StatusCreated)
	}
	if f.alerts.FiringCount() != 1 {
		t.Fatalf("engine firing before update: got %d, want 1", f.alerts.FiringCount())
	}

	body := `{"bus_number":"101","current_mileage":81000,"is_articulating":false,"min_rotor_thickness":"10.00"}`
	wantStatus(t, do(t, f.h, http.MethodPut, busPath(bus.ID, ""), body), http.StatusOK)

	if f.alerts.FiringCount() != 0 {
		t.Errorf("engine firing after update: got %d, want 0", f.alerts.FiringCount())
	}
	var health api.HealthResponse
	decode(t, get(t, f.h, "/api/v1/health"), &health)
	if health.AlertCount != 0 || health.FiringAlerts != 0 {
		t.Errorf("health: got %+v", health)
	}
}

func TestDeleteBus_Cascades(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 50000)
	recordExample(t, f.h, bus.ID)

	wantStatus(t, do(t, f.h, http.MethodDelete, busPath(bus.ID, ""), ""), http.StatusNoContent)
	wantStatus(t, get(t, f.h, busPath(bus.ID, "")), http.StatusNotFound)

	var ms []api.MeasurementResponse
	decode(t, get(t, f.h, "/api/v1/measurements"), &ms)
	if len(ms) != 0 {
		t.Errorf("measurements after delete: got %d", len(ms))
	}
	wantStatus(t, do(t, f.h, http.MethodDelete, busPath(bus.ID, ""), ""), http.StatusNotFound)
}

// --- intake ------------------------------------------------------------------

func TestRecord_JSONAlert(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 50000)
	recordExample(t, f.h, bus.ID)

	rr := do(t, f.h, http.MethodPost, busPath(bus.ID, "/measurements"), `{"mileage":81000}`)
	wantStatus(t, rr, http.StatusCreated)
	var resp api.IntakeResponse
	decode(t, rr, &resp)
	if len(resp.Saved) != 0 {
		t.Errorf("saved: got %d, want 0", len(resp.Saved))
	}
	if resp.Snapshot.Bus.CurrentMileage != 81000 {
		t.Errorf("mileage: got %d, want 81000", resp.Snapshot.Bus.CurrentMileage)
	}
	if len(resp.Snapshot.Alerts) != 1 {
		t.Errorf("alerts: got %v", resp.Snapshot.Alerts)
	}

	var active []alerts.Alert
	decode(t, get(t, f.h, "/api/v1/alerts"), &active)
	if len(active) != 1 || active[0].MilesLeft != 4000 || active[0].State != alerts.StateFiring {
		t.Errorf("active alerts: got %+v", active)
	}
}

func TestRecord_Form(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 50000)

	form := url.Values{
		"measurement_date":      {"2024-05-01"},
		"mileage":               {"49000"},
		"thickness_front_left":  {"24.5"},
		"thickness_front_right": {""},
		"thickness_rear_left":   {"25.125"},
	}
	req := httptest.NewRequest(http.MethodPost, busPath(bus.ID, "/measurements"), strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	wantStatus(t, rr, http.StatusCreated)

	var resp api.IntakeResponse
	decode(t, rr, &resp)
	if resp.Date != "2024-05-01" || resp.Mileage != 49000 {
		t.Errorf("date/mileage: got %s/%d", resp.Date, resp.Mileage)
	}
	if len(resp.Saved) != 2 {
		t.Fatalf("saved: got %d, want 2", len(resp.Saved))
	}
	// Mileage is never lowered.
	if resp.Snapshot.Bus.CurrentMileage != 50000 {
		t.Errorf("bus mileage: got %d, want 50000", resp.Snapshot.Bus.CurrentMileage)
	}
}

func TestRecord_Errors(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 50000)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid thickness", busPath(bus.ID, "/measurements"), `{"thickness":{"Front-Left":"thin"}}`, http.StatusBadRequest},
		{"negative thickness", busPath(bus.ID, "/measurements"), `{"thickness":{"Front-Left":"-1"}}`, http.StatusBadRequest},
		{"unknown position", busPath(bus.ID, "/measurements"), `{"thickness":{"Middle":"20"}}`, http.StatusBadRequest},
		{"unknown bus", busPath(99, "/measurements"), `{"thickness":{"Front-Left":"20"}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantStatus(t, do(t, f.h, http.MethodPost, tt.path, tt.body), tt.want)
		})
	}

	var ms []api.MeasurementResponse
	decode(t, get(t, f.h, "/api/v1/measurements"), &ms)
	if len(ms) != 0 {
		t.Errorf("failed intakes stored %d measurements", len(ms))
	}
}

// --- initialize ---------------------------------------------------------------

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "200", true, 62000)

	for i := 0; i < 2; i++ {
		rr := do(t, f.h, http.MethodPost, busPath(bus.ID, "/initialize"), `{"measurement_date":"2024-03-01"}`)
		wantStatus(t, rr, http.StatusCreated)
		var resp api.InitializeResponse
		decode(t, rr, &resp)
		if len(resp.Saved) != 6 {
			t.Fatalf("saved: got %d, want 6", len(resp.Saved))
		}
		if resp.Saved[0].Thickness != "18.000" || resp.Saved[0].Mileage != 62000 {
			t.Errorf("baseline: got %+v", resp.Saved[0])
		}
	}

	var ms []api.MeasurementResponse
	decode(t, get(t, f.h, "/api/v1/measurements?bus="+itoa(bus.ID)), &ms)
	if len(ms) != 6 {
		t.Errorf("measurements: got %d, want 6", len(ms))
	}
}

func TestInitialize_NoBodyAndErrors(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 1000)

	wantStatus(t, do(t, f.h, http.MethodPost, busPath(bus.ID, "/initialize"), ""), http.StatusCreated)
	wantStatus(t, do(t, f.h, http.MethodPost, busPath(bus.ID, "/initialize"), `{"measurement_date":"01/03/2024"}`), http.StatusBadRequest)
	wantStatus(t, do(t, f.h, http.MethodPost, busPath(99, "/initialize"), ""), http.StatusNotFound)
}

// --- fleet and measurements ----------------------------------------------------

func TestFleetSnapshot(t *testing.T) {
	f := newFixture(t)
	createBus(t, f.h, "300", false, 0)
	createBus(t, f.h, "100", true, 0)

	rr := get(t, f.h, "/api/v1/fleet")
	wantStatus(t, rr, http.StatusOK)
	var resp api.FleetResponse
	decode(t, rr, &resp)
	if len(resp.Buses) != 2 || resp.Buses[0].Bus.Number != "100" {
		t.Fatalf("buses: got %+v", resp.Buses)
	}
	rotors := resp.Buses[0].Rotors
	if len(rotors) != 6 || rotors[2].Position != "Center-Left" {
		t.Errorf("articulated rotor order: got %+v", rotors)
	}
	if rotors[0].CurrentThickness != nil || rotors[0].Alert {
		t.Errorf("placeholder rotor: got %+v", rotors[0])
	}
	if resp.GeneratedAt == "" {
		t.Error("generated_at missing")
	}
}

func TestMeasurements_FilterAndDelete(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 50000)
	recordExample(t, f.h, bus.ID)
	wantStatus(t, do(t, f.h, http.MethodPost, busPath(bus.ID, "/measurements"),
		`{"measurement_date":"2024-04-19","thickness":{"Rear-Right":"30"}}`), http.StatusCreated)

	var ms []api.MeasurementResponse
	decode(t, get(t, f.h, "/api/v1/measurements?position=front-left"), &ms)
	if len(ms) != 2 {
		t.Fatalf("front-left: got %d, want 2", len(ms))
	}
	wantStatus(t, get(t, f.h, "/api/v1/measurements?position=middle"), http.StatusBadRequest)
	wantStatus(t, get(t, f.h, "/api/v1/measurements?bus=x"), http.StatusBadRequest)

	wantStatus(t, do(t, f.h, http.MethodDelete, "/api/v1/measurements/"+itoa(ms[0].ID), ""), http.StatusNoContent)
	wantStatus(t, do(t, f.h, http.MethodDelete, "/api/v1/measurements/"+itoa(ms[0].ID), ""), http.StatusNotFound)
}

// --- routing, auth and metrics -------------------------------------------------

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodPatch, "/api/v1/fleet", "")
	wantStatus(t, rr, http.StatusMethodNotAllowed)
}

func TestAuthWrapsMutations(t *testing.T) {
	f := newFixture(t)
	h := auth.APIKey("apikey", "x-api-key", "secret")(f.h)

	wantStatus(t, do(t, h, http.MethodPost, "/api/v1/buses", `{"bus_number":"1","min_rotor_thickness":"10"}`), http.StatusUnauthorized)
	wantStatus(t, get(t, h, "/api/v1/buses"), http.StatusOK)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/buses", strings.NewReader(`{"bus_number":"1","min_rotor_thickness":"10"}`))
	req.Header.Set("x-api-key", "secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	wantStatus(t, rr, http.StatusCreated)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	bus := createBus(t, f.h, "101", false, 50000)
	recordExample(t, f.h, bus.ID)

	rr := get(t, f.h, "/metrics")
	wantStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	for _, want := range []string{
		`rotortrack_bus_mileage{bus="101"} 50000`,
		`rotortrack_rotor_miles_left{bus="101",position="Front-Left"} 35000`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q in:\n%s", want, body)
		}
	}
}

// --- live updates ----------------------------------------------------------------

type recordingPublisher struct{ events []string }

func (p *recordingPublisher) Publish(event string, _ any) { p.events = append(p.events, event) }

func TestPublishesAfterWrites(t *testing.T) {
	st := memory.New()
	h := api.New(st, fleet.NewBuilder(st), alerts.New(config.AlertsConfig{}))
	pub := &recordingPublisher{}
	h.SetPublisher(pub)

	bus := createBus(t, h, "101", false, 50000)
	recordExample(t, h, bus.ID)
	wantStatus(t, do(t, h, http.MethodDelete, "/api/v1/measurements/1", ""), http.StatusNoContent)
	wantStatus(t, do(t, h, http.MethodDelete, busPath(bus.ID, ""), ""), http.StatusNoContent)

	want := []string{
		api.EventBusUpdated, // create
		api.EventBusUpdated, // intake
		api.EventBusUpdated, // intake
		api.EventFleetSnapshot,
		api.EventBusDeleted,
	}
	if strings.Join(pub.events, ",") != strings.Join(want, ",") {
		t.Errorf("events: got %v, want %v", pub.events, want)
	}

	// Failed writes publish nothing.
	pub.events = nil
	do(t, h, http.MethodPost, busPath(bus.ID, "/measurements"), `{}`)
	if len(pub.events) != 0 {
		t.Errorf("events after failed write: %v", pub.events)
	}
}

func TestFleetMessage(t *testing.T) {
	st := memory.New()
	h := api.New(st, fleet.NewBuilder(st), alerts.New(config.AlertsConfig{}))
	createBus(t, h, "101", false, 0)

	msg, err := h.FleetMessage(context.Background())
	if err != nil {
		t.Fatalf("FleetMessage: %v", err)
	}
	if msg.Event != api.EventFleetSnapshot {
		t.Errorf("event: got %q", msg.Event)
	}
	resp, ok := msg.Data.(api.FleetResponse)
	if !ok || len(resp.Buses) != 1 {
		t.Errorf("data: got %#v", msg.Data)
	}
}
