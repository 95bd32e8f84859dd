// Package store defines the persistence contract for buses and rotor
// measurements, implemented by the memory, sqlite and postgres subpackages.
//
// Ordering guarantees every implementation must honour:
//   - ListBuses returns buses ordered by bus number.
//   - ListMeasurements returns a bus's measurements ordered by (date, id).
//
// Uniqueness: bus numbers are unique (ErrConflict on violation) and
// measurements are unique per (bus, position, date); UpsertMeasurement
// overwrites mileage and thickness of an existing key instead of adding a row.
// Deleting a bus deletes its measurements.
//
// Update runs fn inside one transaction: either every write made through the
// Tx is kept or none is.
package store
