package facade

import "errors"

// Application-kind errors surfaced by facade operations. The REST layer
// maps these to HTTP status codes via errors.Is rather than inspecting
// error strings.
var (
	ErrAgentNotFound    = errors.New("facade: agent not found")
	ErrAgentOffline     = errors.New("facade: agent has no live connection")
	ErrNameTaken        = errors.New("facade: name already in use")
	ErrAlreadyConnected = errors.New("facade: passive agent is already connecting")
)
