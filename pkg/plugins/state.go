package plugins

// State is the lifecycle state of a plugin descriptor.
type State int

const (
	// StateDiscovered means the plugin directory was found but not yet validated.
	StateDiscovered State = iota

	// StateConfigured means the per-plugin config was parsed or defaulted.
	StateConfigured

	// StateInitialized means the setup hook executed successfully (or was absent).
	StateInitialized

	// StateServing means the plugin is registered in the dispatcher's route table.
	StateServing

	// StateFailed is terminal: config parsing or setup failed. A Failed plugin
	// is logged once at load time and thereafter silently absent from routing.
	StateFailed

	// StateDisabled is the alternate initial state for plugins not in the
	// enabled allow-list.
	StateDisabled
)

// String returns the lowercase state name used in logs and metrics labels.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConfigured:
		return "configured"
	case StateInitialized:
		return "initialized"
	case StateServing:
		return "serving"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed from s,
// short of a full reload replacing the descriptor.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDisabled
}
