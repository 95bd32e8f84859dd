// Package compute projects brake-rotor service life from a measurement series.
//
// Project(bus, series) is a pure function: it reads nothing but its
// arguments and keeps no state between calls, so it is recomputed on every
// read of the fleet. The series must be ordered by (date, id) ascending.
//
// Formula:
//
//	wear_rate          = (first.thickness - last.thickness) / (last.mileage - first.mileage)
//	service_life_miles = round_half_up((first.thickness - bus.min_thickness) / wear_rate), >= 0
//	replacement        = first.mileage + service_life_miles
//	miles_left         = max(replacement - bus.current_mileage, 0)
//	daily_miles        = (last.mileage - first.mileage) / (last.date - first.date in days)
//	days_left          = round_half_up(miles_left / daily_miles), >= 0
//
// A rotor with no positive wear over positive mileage has no projection.
// Alert is raised when miles_left <= AlertThresholdMiles.
package compute
