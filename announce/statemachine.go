package announce

import "time"

// Action is the side effect the reconciler must perform after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionPublish: post a new announcement message.
	ActionPublish
	// ActionUpdate: edit the live message (title or category changed).
	ActionUpdate
	// ActionBeginGrace: stream went offline; start the grace window silently.
	ActionBeginGrace
	// ActionResume: stream came back within the grace window; clear EndedAt.
	ActionResume
	// ActionFinalize: delete or edit-to-offline the message and reset to idle.
	ActionFinalize
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPublish:
		return "publish"
	case ActionUpdate:
		return "update"
	case ActionBeginGrace:
		return "begin-grace"
	case ActionResume:
		return "resume"
	case ActionFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one Reconcile step.
type Decision struct {
	Action Action
	// EndedAt is set for ActionBeginGrace (the timestamp to persist).
	EndedAt *time.Time
}

// Reconcile computes the next transition for one announcement given the fresh
// live status. It is a pure function: the only clock it sees is now.
//
// known=false means the stream id was missing from the fetch response (batch
// error); the record must not transition, so a transient API failure never
// tears down a live announcement.
func Reconcile(a Announcement, status LiveStatus, known bool, now time.Time) Decision {
	if !known {
		return Decision{Action: ActionNone}
	}

	switch a.State() {
	case StateIdle:
		if status.Live {
			return Decision{Action: ActionPublish}
		}
		return Decision{Action: ActionNone}

	case StateLive:
		if status.Live {
			if status.Title != a.LastTitle || status.Category != a.LastCategory {
				return Decision{Action: ActionUpdate}
			}
			return Decision{Action: ActionNone}
		}
		if a.GraceMinutes <= 0 {
			return Decision{Action: ActionFinalize}
		}
		ended := now
		return Decision{Action: ActionBeginGrace, EndedAt: &ended}

	case StateEndingGrace:
		if status.Live {
			// Treated as a continuation rather than a new stream, matching the
			// grace semantics even if the window has technically lapsed but no
			// finalize has run yet.
			return Decision{Action: ActionResume}
		}
		if now.Sub(*a.EndedAt) >= time.Duration(a.GraceMinutes)*time.Minute {
			return Decision{Action: ActionFinalize}
		}
		return Decision{Action: ActionNone}
	}
	return Decision{Action: ActionNone}
}
