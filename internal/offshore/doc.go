package offshore

// Package offshore implements the server-facing half of the proxy: it
// accepts the ship's single link, demultiplexes frames into sessions, and
// performs the real outbound connections to target hosts.
