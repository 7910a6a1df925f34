// Package chat implements the session and broadcast coordination layer of the
// relay: identity claiming with global name uniqueness, the per-connection
// session lifecycle, the presence directory, the in-memory message log with
// mention resolution, and typing aggregation.
//
// A Room owns all of that state. Transports attach connections to a Room and
// supply a Broadcaster that delivers the resulting events.
package chat
