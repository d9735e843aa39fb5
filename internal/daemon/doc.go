// Package daemon hosts ranging sessions behind an HTTP admin API.
//
// A Service owns the chip table, the engine, the session registry and the
// profile store. Sessions are created from stored service profiles and driven
// through the same controller operations an in-process caller would use.
package daemon
