package link

// Package link owns the single persistent ship<->offshore connection: it
// serializes frame writes so sessions never interleave partial frames, runs
// the inbound decode/dispatch loop, and (ship side) re-establishes the
// connection with capped exponential backoff.
