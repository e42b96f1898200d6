package session

// Package session models one proxied transaction (an HTTP exchange or a
// CONNECT tunnel) multiplexed over the ship<->offshore link: its lifecycle
// state machine, its bounded inbound buffer, and half-close bookkeeping.
