// Package types defines the fleet data model shared by the rotortrack server
// packages: buses, rotor positions and rotor thickness measurements.
//
// Thickness values are decimal.Decimal so that wear arithmetic stays exact.
// Bus minimum thickness carries two fractional digits, measured thickness
// carries three. Measurement dates are civil dates held as UTC midnight.
//
// A bus's active rotor positions depend only on its articulation flag:
// StandardPositions for rigid buses, ArticulatedPositions for articulated
// ones. Both enumerations are ordered and must not be reordered.
package types
