package session

// State - состояние соединения сессии.
type State int32

const (
	Connecting State = iota
	Active
	Degraded
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
