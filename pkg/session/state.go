package session

// State identifies the lifecycle manager's position in the setup/teardown
// sequence. Forward transitions acquire one resource each; teardown walks
// the acquired resources in reverse.
type State int

const (
	StateIdle State = iota
	StateDomainCreated
	StateLinkAttached
	StateAddressesConfigured
	StateRoutesConfigured
	StateForwardingEnabled
	StatePolicyInstalled
	StateSessionRunning
	StateTearingDown
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDomainCreated:
		return "domain-created"
	case StateLinkAttached:
		return "link-attached"
	case StateAddressesConfigured:
		return "addresses-configured"
	case StateRoutesConfigured:
		return "routes-configured"
	case StateForwardingEnabled:
		return "forwarding-enabled"
	case StatePolicyInstalled:
		return "policy-installed"
	case StateSessionRunning:
		return "session-running"
	case StateTearingDown:
		return "tearing-down"
	default:
		return "unknown"
	}
}
