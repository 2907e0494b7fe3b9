// Package session owns connection lifecycle above the codec.
//
// Ownership boundary:
// - client and server handshakes, including revision downgrade
// - live sessions: read loop, keep-alive, deadlines, send at the negotiated revision
// - rpc pending-call tracking
// - retry backoff and transport security settings
package session
