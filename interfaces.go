package ecupulse

// DiagnosticPort is the boundary to the diagnostic adapter. A request is
// issued without blocking and its outcome is collected by polling; the
// port itself performs no retries and no timeouts.
type DiagnosticPort interface {
	// Request issues a single read of the given parameter identifier.
	Request(pid uint8) error
	// Poll reports the outcome of the request currently in flight.
	Poll() Result
	Close() error
}

// LinkSupervisor exposes the readiness of the two external links the
// agent depends on. Establishing and maintaining the links is not the
// agent's job; it only observes the flags and asks for reconnects.
type LinkSupervisor interface {
	NetworkReady() bool
	AdapterReady() bool
	RequestNetworkReconnect()
	RequestAdapterReconnect()
}

// Forwarder delivers a snapshot to the remote collector.
type Forwarder interface {
	Forward(*Snapshot) error
}

// Recoverer is invoked when transmission has failed past the configured
// threshold. Implementations park or restart the process; they are not
// expected to return control to a healthy agent.
type Recoverer interface {
	Recover(reason string)
}
