// Package protocol owns the message catalogue and the revision-aware codec.
//
// Ownership boundary:
// - value and message shapes
// - per-revision legality of messages, fields, and value types
// - encode (omission on unsupported revision) and decode (DecodeError)
//
// Primitive encodings live in protocol/wire. Per-connection buffering lives
// in protocol/frame. Handshake ordering lives in protocol/session.
package protocol
