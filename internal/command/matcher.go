package command

import "strings"

// Action is a recognized voice or text command.
type Action int

const (
	ActionNone Action = iota
	ActionStartCall
	ActionEndCall
)

func (a Action) String() string {
	switch a {
	case ActionStartCall:
		return "start_call"
	case ActionEndCall:
		return "end_call"
	default:
		return "none"
	}
}

// Matcher spots the configured call control phrases inside free text,
// such as a user transcription or a typed chat message.
type Matcher struct {
	start string
	end   string
}

func NewMatcher(startPhrase, endPhrase string) *Matcher {
	return &Matcher{
		start: normalize(startPhrase),
		end:   normalize(endPhrase),
	}
}

// Match returns the command contained in text, if any. The end phrase
// wins when both appear, since ending is always the safer interpretation.
func (m *Matcher) Match(text string) Action {
	t := normalize(text)
	if t == "" {
		return ActionNone
	}
	if m.end != "" && strings.Contains(t, m.end) {
		return ActionEndCall
	}
	if m.start != "" && strings.Contains(t, m.start) {
		return ActionStartCall
	}
	return ActionNone
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
