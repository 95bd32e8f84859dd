// Package api implements the HTTP REST API for the rotortrack server.
//
// New(store, builder, alerts) returns an http.Handler that serves:
//
//	GET    /api/v1/health                    bus/rotor counts and overall state
//	GET    /api/v1/buses                     buses with their lowest rotor (?q=&location=&articulated=)
//	POST   /api/v1/buses                     create a bus
//	GET    /api/v1/buses/{id}                bus snapshot + latest reading per position
//	PUT    /api/v1/buses/{id}                update a bus
//	DELETE /api/v1/buses/{id}                delete a bus and its measurements
//	POST   /api/v1/buses/{id}/measurements   record readings (JSON or form)
//	POST   /api/v1/buses/{id}/initialize     baseline every rotor (optional date)
//	GET    /api/v1/fleet                     maintenance snapshot of all buses
//	GET    /api/v1/measurements              stored measurements (?bus=&position=)
//	DELETE /api/v1/measurements/{id}         delete one measurement
//	GET    /api/v1/alerts                    firing and recently resolved alerts
//	GET    /metrics                          Prometheus exposition
//
// Responses are JSON with errors as {"error": "..."}. Unknown ids answer 404,
// invalid input 400, duplicate bus numbers 409. Writes that change rotor
// projections are followed by an alert evaluation of the affected bus.
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
