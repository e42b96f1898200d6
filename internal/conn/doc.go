package conn

// Package conn holds shared listener plumbing: TCP listeners that apply a
// keepalive configuration to every accepted connection.
