package dialer

// Package dialer constructs outbound dialers from an upstream URL. The
// offshore side uses one to reach targets (optionally via an http, https,
// or socks5 hop); the ship side uses a direct one to reach the offshore
// host.
