package session

// MediaFlow reports whether a media kind is being received and sent.
type MediaFlow struct {
	In  bool `json:"in"`
	Out bool `json:"out"`
}

// CallHealth is the last call report of one screen.
type CallHealth struct {
	TS    int64     `json:"ts"`
	Audio MediaFlow `json:"audio"`
	Video MediaFlow `json:"video"`
}

// CallStatus holds the latest call report per role; nil means no report yet.
type CallStatus struct {
	Cashier *CallHealth `json:"cashier"`
	Display *CallHealth `json:"display"`
}

// RecordCallHealth stores health as the report of role and returns the
// combined status. Roles other than cashier and display are ignored.
func (s *State) RecordCallHealth(role string, health CallHealth) (CallStatus, bool) {
	switch role {
	case RoleCashier:
		s.Call.Cashier = &health
	case RoleDisplay:
		s.Call.Display = &health
	default:
		return s.Call, false
	}
	return s.Call, true
}
