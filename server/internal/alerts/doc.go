// Package alerts tracks rotor replacement alerts across fleet snapshots and
// delivers webhook notifications to Teams, Slack, or generic HTTP targets
// when an alert fires or resolves. Alerts are keyed by bus number and rotor
// position; the alert condition itself comes from the projection.
package alerts
