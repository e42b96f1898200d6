package ship

// Package ship implements the client-facing half of the proxy: it accepts
// local proxy connections (CONNECT tunnels and plain HTTP requests),
// multiplexes each as a session over the single offshore link, and routes
// inbound frames back to the right client.
