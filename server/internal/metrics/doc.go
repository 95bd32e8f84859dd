// Package metrics exposes the fleet maintenance state as Prometheus gauges.
//
// Handler renders a fresh fleet snapshot on every scrape; nothing is cached
// or registered globally. Rotor gauges carry bus and position labels and are
// omitted while the projection leaves the value undefined.
package metrics
