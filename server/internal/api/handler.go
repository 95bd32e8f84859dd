package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/alerts"
	"github.com/rotortrack/rotortrack/server/internal/fleet"
	"github.com/rotortrack/rotortrack/server/internal/metrics"
	"github.com/rotortrack/rotortrack/server/internal/store"
	"github.com/rotortrack/rotortrack/server/internal/ws"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// errBadRequest marks malformed input that is not a domain validation error.
var errBadRequest = errors.New("bad request")

// Live update events.
const (
	EventFleetSnapshot = "fleet.snapshot"
	EventBusUpdated    = "bus.updated"
	EventBusDeleted    = "bus.deleted"
)

// Publisher receives live update events after writes.
type Publisher interface {
	Publish(event string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Handler is the HTTP handler for all /api/v1/* endpoints and /metrics.
type Handler struct {
	store  store.Store
	fleet  *fleet.Builder
	alerts *alerts.Engine
	events Publisher
	mux    *http.ServeMux
	now    func() time.Time
}

// New creates a Handler wired to the store, the fleet builder and the alert
// engine, and registers all routes.
func New(st store.Store, fb *fleet.Builder, eng *alerts.Engine) *Handler {
	h := &Handler{
		store:  st,
		fleet:  fb,
		alerts: eng,
		events: nopPublisher{},
		mux:    http.NewServeMux(),
		now:    time.Now,
	}

	h.mux.HandleFunc("GET /api/v1/health", h.health)
	h.mux.HandleFunc("GET /api/v1/buses", h.listBuses)
	h.mux.HandleFunc("POST /api/v1/buses", h.createBus)
	h.mux.HandleFunc("GET /api/v1/buses/{id}", h.getBus)
	h.mux.HandleFunc("PUT /api/v1/buses/{id}", h.updateBus)
	h.mux.HandleFunc("DELETE /api/v1/buses/{id}", h.deleteBus)
	h.mux.HandleFunc("POST /api/v1/buses/{id}/measurements", h.recordMeasurements)
	h.mux.HandleFunc("POST /api/v1/buses/{id}/initialize", h.initializeRotors)
	h.mux.HandleFunc("GET /api/v1/fleet", h.fleetSnapshot)
	h.mux.HandleFunc("GET /api/v1/measurements", h.listMeasurements)
	h.mux.HandleFunc("DELETE /api/v1/measurements/{id}", h.deleteMeasurement)
	h.mux.HandleFunc("GET /api/v1/alerts", h.listAlerts)
	h.mux.Handle("GET /metrics", metrics.Handler(fb))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// SetPublisher routes live update events to p.
func (h *Handler) SetPublisher(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	h.events = p
}

// FleetMessage renders the full fleet snapshot as a live update message. It is
// what a stream client receives on connect.
func (h *Handler) FleetMessage(ctx context.Context) (ws.Message, error) {
	resp, err := h.buildFleet(ctx)
	if err != nil {
		return ws.Message{}, err
	}
	return ws.Message{Event: EventFleetSnapshot, Data: resp}, nil
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: bus and rotor counts and overall state.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.fleet.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := HealthResponse{BusCount: len(snaps), FiringAlerts: h.alerts.FiringCount()}
	for _, s := range snaps {
		resp.RotorCount += len(s.Rotors)
		resp.AlertCount += len(s.Alerts)
		for _, rs := range s.Rotors {
			if rs.CurrentThickness == nil {
				resp.NeedsDataCount++
			}
		}
	}
	switch {
	case len(snaps) == 0:
		resp.State = "unknown"
	case resp.AlertCount > 0:
		resp.State = "attention"
	default:
		resp.State = "ok"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listBuses returns GET /api/v1/buses: every bus with its lowest rotor.
// Query parameters: q (search), location, articulated (true|false).
func (h *Handler) listBuses(w http.ResponseWriter, r *http.Request) {
	f, err := busFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.fleet.Overview(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]BusOverviewResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, BusOverviewResponse{
			BusResponse: toBusResponse(row.Bus),
			LowestRotor: toLowestResponse(row.LowestRotor),
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// createBus handles POST /api/v1/buses.
func (h *Handler) createBus(w http.ResponseWriter, r *http.Request) {
	bus, err := decodeBus(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.store.CreateBus(r.Context(), bus)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("api: bus created", "bus", created.Number, "id", created.ID)
	h.evaluate(r.Context(), created.ID)
	jsonResp(w, http.StatusCreated, toBusResponse(created))
}

// getBus returns GET /api/v1/buses/{id}: snapshot plus the latest reading
// per position.
func (h *Handler) getBus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	snap, err := h.fleet.BusSnapshot(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ms, err := h.store.ListMeasurements(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	latest := make(map[string]LatestReading)
	for pos, m := range fleet.LatestThickness(ms) {
		if !types.Contains(snap.Bus.RotorPositions(), pos) {
			continue
		}
		latest[string(pos)] = LatestReading{
			Field:     fleet.FieldName(pos),
			Date:      m.Date.Format(types.DateLayout),
			Mileage:   m.Mileage,
			Thickness: m.Thickness.StringFixed(3),
		}
	}
	jsonResp(w, http.StatusOK, BusDetailResponse{
		BusSnapshotResponse: toSnapshotResponse(snap),
		LatestThickness:     latest,
	})
}

// updateBus handles PUT /api/v1/buses/{id}.
func (h *Handler) updateBus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	bus, err := decodeBus(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	bus.ID = id
	prev, err := h.store.GetBus(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	updated, err := h.store.UpdateBus(r.Context(), bus)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// Alerts are keyed by bus number.
	if prev.Number != updated.Number {
		h.alerts.Forget(id)
	}
	h.evaluate(r.Context(), id)
	jsonResp(w, http.StatusOK, toBusResponse(updated))
}

// deleteBus handles DELETE /api/v1/buses/{id}. Measurements go with it.
func (h *Handler) deleteBus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.DeleteBus(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.alerts.Forget(id)
	h.events.Publish(EventBusDeleted, map[string]int64{"id": id})
	slog.Info("api: bus deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// recordMeasurements handles POST /api/v1/buses/{id}/measurements. The body
// is either IntakeRequest JSON or the form fields measurement_date, mileage
// and thickness_<position>.
func (h *Handler) recordMeasurements(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in, err := decodeIntake(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in.BusID = id

	res, err := h.fleet.Record(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	snap, ok := h.evaluate(r.Context(), id)
	if !ok {
		snap = fleet.BusSnapshot{Bus: res.Bus}
	}
	jsonResp(w, http.StatusCreated, IntakeResponse{
		Date:     res.Date.Format(types.DateLayout),
		Mileage:  res.Mileage,
		Saved:    toMeasurementResponses(res.Saved),
		Snapshot: toSnapshotResponse(snap),
	})
}

// initializeRotors handles POST /api/v1/buses/{id}/initialize with an
// optional InitializeRequest body.
func (h *Handler) initializeRotors(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// The body is optional.
	var req InitializeRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.fail(w, r, fmt.Errorf("%w: decode body: %v", errBadRequest, err))
			return
		}
	}
	var date *time.Time
	if strings.TrimSpace(req.Date) != "" {
		d, err := types.ParseDate(req.Date)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: measurement_date %q is not YYYY-MM-DD", errBadRequest, req.Date))
			return
		}
		date = &d
	}

	saved, err := h.fleet.Initialize(r.Context(), id, date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	snap, _ := h.evaluate(r.Context(), id)
	jsonResp(w, http.StatusCreated, InitializeResponse{
		Saved:    toMeasurementResponses(saved),
		Snapshot: toSnapshotResponse(snap),
	})
}

// fleetSnapshot returns GET /api/v1/fleet: the maintenance view of every bus.
func (h *Handler) fleetSnapshot(w http.ResponseWriter, r *http.Request) {
	resp, err := h.buildFleet(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) buildFleet(ctx context.Context) (FleetResponse, error) {
	snaps, err := h.fleet.Snapshot(ctx)
	if err != nil {
		return FleetResponse{}, err
	}
	return toFleetResponse(snaps, h.now()), nil
}

// listMeasurements returns GET /api/v1/measurements?bus=&position=.
func (h *Handler) listMeasurements(w http.ResponseWriter, r *http.Request) {
	var f store.MeasurementFilter
	q := r.URL.Query()
	if v := q.Get("bus"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			h.fail(w, r, fmt.Errorf("%w: bus %q is not a valid id", errBadRequest, v))
			return
		}
		f.BusID = id
	}
	if v := q.Get("position"); v != "" {
		pos, ok := types.ParsePosition(v)
		if !ok {
			h.fail(w, r, fmt.Errorf("%w: unknown rotor position %q", errBadRequest, v))
			return
		}
		f.Position = pos
	}

	ms, err := h.store.ListAllMeasurements(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, toMeasurementResponses(ms))
}

// deleteMeasurement handles DELETE /api/v1/measurements/{id}.
func (h *Handler) deleteMeasurement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.DeleteMeasurement(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("api: measurement deleted", "id", id)
	h.evaluateAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// listAlerts returns GET /api/v1/alerts: firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.alerts.Active())
}

// --- helpers ----------------------------------------------------------------

// evaluate rebuilds the bus snapshot after a write, feeds it to the alert
// engine and publishes it. A failure here does not fail the write that
// preceded it.
func (h *Handler) evaluate(ctx context.Context, busID int64) (fleet.BusSnapshot, bool) {
	snap, err := h.fleet.BusSnapshot(ctx, busID)
	if err != nil {
		slog.Error("api: snapshot after write failed", "bus_id", busID, "err", err)
		return fleet.BusSnapshot{}, false
	}
	h.alerts.Evaluate(ctx, snap)
	h.events.Publish(EventBusUpdated, toSnapshotResponse(snap))
	return snap, true
}

// evaluateAll re-runs alert evaluation for the whole fleet. Used when a write
// cannot be attributed to one bus.
func (h *Handler) evaluateAll(ctx context.Context) {
	snaps, err := h.fleet.Snapshot(ctx)
	if err != nil {
		slog.Error("api: fleet snapshot after write failed", "err", err)
		return
	}
	for _, s := range snaps {
		h.alerts.Evaluate(ctx, s)
	}
	h.events.Publish(EventFleetSnapshot, toFleetResponse(snaps, h.now()))
}

// fail maps err onto an HTTP status and writes it as a JSON error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		jsonErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		jsonErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, errBadRequest),
		errors.Is(err, types.ErrInvalidBus),
		errors.Is(err, fleet.ErrInvalidThickness):
		jsonErr(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id %q is not a positive integer", errBadRequest, raw)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func decodeBus(w http.ResponseWriter, r *http.Request) (types.Bus, error) {
	var req BusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return types.Bus{}, err
	}
	minThickness, err := decimal.NewFromString(strings.TrimSpace(req.MinRotorThickness))
	if err != nil {
		return types.Bus{}, fmt.Errorf("%w: min_rotor_thickness %q is not a number", types.ErrInvalidBus, req.MinRotorThickness)
	}
	bus := types.Bus{
		Number:            strings.TrimSpace(req.Number),
		Type:              strings.TrimSpace(req.Type),
		Location:          strings.TrimSpace(req.Location),
		CurrentMileage:    req.CurrentMileage,
		Articulated:       req.Articulated,
		MinRotorThickness: minThickness,
	}
	if err := bus.Validate(); err != nil {
		return types.Bus{}, err
	}
	return bus, nil
}

// decodeIntake reads a JSON or form-encoded intake body.
func decodeIntake(w http.ResponseWriter, r *http.Request) (fleet.Intake, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return fleet.Intake{}, fmt.Errorf("%w: parse form: %v", errBadRequest, err)
		}
		in := fleet.Intake{
			Date:      r.PostFormValue("measurement_date"),
			Mileage:   r.PostFormValue("mileage"),
			Thickness: make(map[types.Position]string),
		}
		for _, pos := range types.ArticulatedPositions() {
			if v := r.PostFormValue(fleet.FieldName(pos)); v != "" {
				in.Thickness[pos] = v
			}
		}
		return in, nil
	}

	var req IntakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return fleet.Intake{}, err
	}
	in := fleet.Intake{
		Date:      req.Date,
		Mileage:   string(req.Mileage),
		Thickness: make(map[types.Position]string, len(req.Thickness)),
	}
	for key, v := range req.Thickness {
		pos, ok := positionForKey(key)
		if !ok {
			return fleet.Intake{}, fmt.Errorf("%w: unknown rotor position %q", errBadRequest, key)
		}
		in.Thickness[pos] = string(v)
	}
	return in, nil
}

// positionForKey resolves a position name or its form field name.
func positionForKey(key string) (types.Position, bool) {
	if pos, ok := types.ParsePosition(key); ok {
		return pos, true
	}
	for _, pos := range types.ArticulatedPositions() {
		if strings.EqualFold(key, fleet.FieldName(pos)) {
			return pos, true
		}
	}
	return "", false
}

func busFilter(r *http.Request) (store.BusFilter, error) {
	q := r.URL.Query()
	f := store.BusFilter{
		Search:   q.Get("q"),
		Location: q.Get("location"),
	}
	if v := q.Get("articulated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return store.BusFilter{}, fmt.Errorf("%w: articulated %q is not a boolean", errBadRequest, v)
		}
		f.Articulated = &b
	}
	return f, nil
}
