// Package fleet turns stored bus and measurement records into maintenance
// snapshots, and applies the two write paths that feed them: measurement
// intake and rotor initialization.
//
// Builder reads through a store.Store and projects every rotor with
// compute.Project on each call; nothing is cached between calls.
//
//   - Snapshot(ctx)        one BusSnapshot per bus, ordered by bus number
//   - BusSnapshot(ctx, id) a single bus, store.ErrNotFound if unknown
//   - Overview(ctx)        bus identity plus the lowest rotor per bus
//   - Record(ctx, intake)  mileage update + measurement upserts, one transaction
//   - Initialize(ctx, ...) baseline measurement per active position, one transaction
//
// RotorDetails and LowestRotor are the pure building blocks and are exported
// for callers that already hold the records.
package fleet
