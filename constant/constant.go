package constant

type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusLive      SessionStatus = "live"
	SessionStatusRecording SessionStatus = "recording"
	SessionStatusEnded     SessionStatus = "ended"
)

func (s SessionStatus) String() string {
	return string(s)
}

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusLive, SessionStatusRecording, SessionStatusEnded:
		return true
	}
	return false
}

// sessionTransitions is the closed set of status changes the registry accepts.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusScheduled: {SessionStatusLive},
	SessionStatusLive:      {SessionStatusEnded, SessionStatusRecording},
	SessionStatusRecording: {SessionStatusEnded},
}

func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleTutor   Role = "tutor"
	RoleStudent Role = "student"
)

func (r Role) Valid() bool {
	return r == RoleTutor || r == RoleStudent
}

type RecordingState string

const (
	RecordingStateIdle       RecordingState = "idle"
	RecordingStateRecording  RecordingState = "recording"
	RecordingStateFinalizing RecordingState = "finalizing"
	RecordingStateUploaded   RecordingState = "uploaded"
	RecordingStateFailed     RecordingState = "failed"
)

type RecordingLinkMode string

const (
	RecordingLinkDirect RecordingLinkMode = "direct"
	RecordingLinkQueue  RecordingLinkMode = "queue"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
