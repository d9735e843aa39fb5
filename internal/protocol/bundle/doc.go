// Package bundle owns the typed key-value record exchanged between the
// application layer and the ranging engine.
//
// Ownership boundary:
// - typed entries keyed by stable strings
// - binary entry codec (key_len, type, value_len, key, value)
package bundle
