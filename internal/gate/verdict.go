package gate

// Verdict is the authorization state of one mount.
// Pending moves to Granted or Denied exactly once and never back.
type Verdict int32

const (
	Pending Verdict = iota
	Granted
	Denied
)

func (v Verdict) String() string {
	switch v {
	case Pending:
		return "pending"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Action is what the presentation layer should show.
type Action int

const (
	ShowPlaceholder Action = iota
	ShowView
	Redirect
)

// Outcome is the rendering instruction for a verdict. Location is set only for Redirect.
type Outcome struct {
	Action   Action
	Location string
}

// Decide maps a verdict to what gets rendered. Only Granted ever shows the
// protected view; Denied replaces the navigation with fallback.
func Decide(v Verdict, fallback string) Outcome {
	switch v {
	case Granted:
		return Outcome{Action: ShowView}
	case Denied:
		return Outcome{Action: Redirect, Location: fallback}
	default:
		return Outcome{Action: ShowPlaceholder}
	}
}
