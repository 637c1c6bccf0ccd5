// Package health holds the liveness and readiness probes served on the
// ops listener.
//
// Readiness for docgate is the conjunction of the shutdown gate and the
// optional result sinks (sqlite journal, redis stats) answering a ping.
// Liveness only reports that the process is serving.
package health
