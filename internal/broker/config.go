package broker

// Config is the client-facing produce/fetch listener's configuration. It
// is deliberately minimal — one broker serves one replica's leader, the
// way internal/core's Supervisor wires it up for a single partition at a
// time.
type Config struct {
	ListenAddr string
}
