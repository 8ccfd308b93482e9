// Package livenessworker watches the capture agent registry in the
// background. Staleness itself is computed on demand by the registry; the
// worker only turns changes of it into log lines, metrics and, optionally,
// an SNMP reachability probe of the silent agent's host.
package livenessworker
