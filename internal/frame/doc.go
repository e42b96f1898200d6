package frame

// Package frame defines the wire format carried over the single
// ship<->offshore link: a fixed 12-byte header tagging session id, type,
// and payload length, followed by the payload. Encode and Decode are exact
// inverses; decode failures are fatal to the link.
