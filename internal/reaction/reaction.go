// Package reaction implements the per-caller reaction state machine. It plans
// the remote calls a toggle needs and applies the optimistic delta; it never
// performs I/O.
package reaction

import (
	"strings"

	"threadsync/api/internal/discussion"
)

type State string

const (
	StateNone           State = "none"
	StatePositiveActive State = "positive-active"
	StateNegativeActive State = "negative-active"
)

// StateOf reads the sentiment state from the caller's marker.
func StateOf(entry discussion.Entry) State {
	switch entry.ViewerSentiment {
	case discussion.ReactionThumbsUp:
		return StatePositiveActive
	case discussion.ReactionThumbsDown:
		return StateNegativeActive
	default:
		return StateNone
	}
}

func stateFor(kind discussion.ReactionKind) State {
	switch kind {
	case discussion.ReactionThumbsUp:
		return StatePositiveActive
	case discussion.ReactionThumbsDown:
		return StateNegativeActive
	default:
		return StateNone
	}
}

// Call is one remote setReaction invocation.
type Call struct {
	Kind   discussion.ReactionKind
	Active bool
}

type Transition struct {
	Kind  discussion.ReactionKind
	From  State
	To    State
	Calls []Call
}

// Switch reports whether the transition flips one sentiment kind to the other,
// which needs two remote calls and resyncs on partial failure.
func (t Transition) Switch() bool {
	return len(t.Calls) == 2
}

// Plan computes the transition for toggling kind on entry as viewerLogin.
func Plan(entry discussion.Entry, kind discussion.ReactionKind, viewerLogin string) Transition {
	from := StateOf(entry)
	if !kind.IsSentiment() {
		active := !entry.HasReacted(viewerLogin, kind)
		return Transition{Kind: kind, From: from, To: from, Calls: []Call{{Kind: kind, Active: active}}}
	}

	current := entry.ViewerSentiment
	switch {
	case current == kind:
		return Transition{Kind: kind, From: from, To: StateNone, Calls: []Call{{Kind: kind, Active: false}}}
	case current == kind.Opposite():
		return Transition{
			Kind: kind,
			From: from,
			To:   stateFor(kind),
			Calls: []Call{
				{Kind: current, Active: false},
				{Kind: kind, Active: true},
			},
		}
	default:
		return Transition{Kind: kind, From: from, To: stateFor(kind), Calls: []Call{{Kind: kind, Active: true}}}
	}
}

// Apply returns a copy of entry with the transition's optimistic delta applied.
// Removals are applied before additions so the result never shows both
// sentiment kinds active.
func Apply(entry discussion.Entry, transition Transition, viewer discussion.Author) discussion.Entry {
	out := entry.Clone()
	for _, call := range transition.Calls {
		if call.Active {
			continue
		}
		if out.HasReacted(viewer.Login, call.Kind) || (call.Kind.IsSentiment() && out.ViewerSentiment == call.Kind) {
			if out.Reactions[call.Kind] > 0 {
				out.Reactions[call.Kind]--
			}
		}
		out.Reactors = removeReactor(out.Reactors, viewer.Login, call.Kind)
		if out.ViewerSentiment == call.Kind {
			out.ViewerSentiment = ""
		}
	}
	for _, call := range transition.Calls {
		if !call.Active {
			continue
		}
		if !out.HasReacted(viewer.Login, call.Kind) {
			out.Reactions[call.Kind]++
			out.Reactors = append(out.Reactors, discussion.Reactor{Login: viewer.Login, Kind: call.Kind})
		}
		if call.Kind.IsSentiment() {
			out.ViewerSentiment = call.Kind
		}
	}
	return out
}

// Exclusive reports whether entry satisfies the sentiment exclusivity invariant
// for viewerLogin.
func Exclusive(entry discussion.Entry, viewerLogin string) bool {
	up := entry.HasReacted(viewerLogin, discussion.ReactionThumbsUp)
	down := entry.HasReacted(viewerLogin, discussion.ReactionThumbsDown)
	return !(up && down)
}

func removeReactor(reactors []discussion.Reactor, login string, kind discussion.ReactionKind) []discussion.Reactor {
	out := make([]discussion.Reactor, 0, len(reactors))
	for _, reactor := range reactors {
		if reactor.Kind == kind && strings.EqualFold(reactor.Login, login) {
			continue
		}
		out = append(out, reactor)
	}
	return out
}
