// Package status owns the session status snapshot handed from the ranging
// engine to the application layer.
//
// Ownership boundary:
// - immutable SessionStatus snapshot and its builder
// - versioned record encoding (bundle_version dispatch)
// - tagged session token (session id vs session handle)
package status
