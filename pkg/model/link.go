package model

// ActivationState tracks the link session activation.
type ActivationState int

const (
	Unactivated ActivationState = iota
	Activating
	Activated
)

func (s ActivationState) String() string {
	switch s {
	case Unactivated:
		return "unactivated"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	default:
		return "unknown"
	}
}

// LinkStatus is the process-wide view of the link to the counterpart device.
type LinkStatus struct {
	Supported             bool            `json:"supported"`
	Paired                bool            `json:"paired"`
	CompanionAppInstalled bool            `json:"companionAppInstalled"`
	Reachable             bool            `json:"reachable"`
	Activation            ActivationState `json:"activation"`
}

// Normalize enforces reachable => activated.
func (s LinkStatus) Normalize() LinkStatus {
	if s.Activation != Activated {
		s.Reachable = false
	}
	return s
}

// CanSend reports whether durable sends are accepted.
func (s LinkStatus) CanSend() bool {
	return s.Supported && s.Activation == Activated
}
