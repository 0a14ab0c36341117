package server

// State is a step of the startup sequence.
type State int32

const (
	StateInit State = iota
	StateSignalHandlersInstalled
	StateMigrationsRun
	StateDataDirReady
	StateDBInitialized
	StateSeedDataApplied
	StateAppAssembled
	StateCORSAttached
	StateServing
	StateStopped
	StateCrashed
)

var stateNames = [...]string{
	StateInit:                    "INIT",
	StateSignalHandlersInstalled: "SIGNAL_HANDLERS_INSTALLED",
	StateMigrationsRun:           "MIGRATIONS_RUN",
	StateDataDirReady:            "DATA_DIR_READY",
	StateDBInitialized:           "DB_INITIALIZED",
	StateSeedDataApplied:         "SEED_DATA_APPLIED",
	StateAppAssembled:            "APP_ASSEMBLED",
	StateCORSAttached:            "CORS_ATTACHED",
	StateServing:                 "SERVING",
	StateStopped:                 "STOPPED",
	StateCrashed:                 "CRASHED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}
