package router

import (
	"strings"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
)

// Kind is the routing decision category.
type Kind string

const (
	// KindContinue resumes an open conversation progress.
	KindContinue Kind = "continue"
	// KindStart opens a new contest conversation.
	KindStart Kind = "start"
	// KindIgnore drops unknown text from customers with no open conversation.
	KindIgnore Kind = "ignore"
	// KindFreeForm passes unmatched text through to the current step's
	// free-text slot.
	KindFreeForm Kind = "free_form"
)

// Consent token sets, case-folded.
var (
	yesTokens = map[string]struct{}{"yes": {}, "y": {}, "setuju": {}, "ok": {}}
	noTokens  = map[string]struct{}{"no": {}, "n": {}, "tidak": {}}
	// optOutTokens suppress all automated replies for the customer.
	optOutTokens = map[string]struct{}{"stop": {}, "berhenti": {}}
)

// ProgressContext bundles an open progress with its contest and script, the
// unit the router reasons over. The engine loads these inside its transaction.
type ProgressContext struct {
	Progress model.UserConversationProgress
	Contest  model.Contest
	Steps    []model.ConversationStep
}

// CurrentStep resolves the progress pointer against the script. Nil when the
// pointer is unset or the script changed underneath the progress.
func (pc *ProgressContext) CurrentStep() *model.ConversationStep {
	if pc.Progress.CurrentStepID == nil {
		return nil
	}
	for i := range pc.Steps {
		if pc.Steps[i].ID == *pc.Progress.CurrentStepID {
			return &pc.Steps[i]
		}
	}
	return nil
}

// NextStep returns the step after the current one, or nil at the end of the script.
func (pc *ProgressContext) NextStep() *model.ConversationStep {
	cur := pc.CurrentStep()
	if cur == nil {
		return nil
	}
	for i := range pc.Steps {
		if pc.Steps[i].StepOrder == cur.StepOrder+1 {
			return &pc.Steps[i]
		}
	}
	return nil
}

// Decision is the router verdict; fields beyond Kind are populated per kind.
type Decision struct {
	Kind Kind
	// Progress is set for KindContinue and KindFreeForm.
	Progress *ProgressContext
	// NextStep is set for KindContinue: the step the conversation moves to.
	NextStep *model.ConversationStep
	// Consent is set when a PDPA yes/no token produced the continuation.
	Consent *bool
	// Contest is set for KindStart.
	Contest *model.Contest
}

// RouteInput is everything Decide needs; the router itself does no I/O.
// OpenProgresses must be ordered most recently touched first and
// ActiveContests by priority descending then newest first, the orders the
// store already produces.
type RouteInput struct {
	Body           string
	OpenProgresses []ProgressContext
	ActiveContests []model.Contest
}

// FirstToken extracts the case-folded first whitespace-separated token of the
// inbound text. All keyword matching is whole-word on this token.
func FirstToken(body string) string {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// IsOptOutToken reports whether the token is an opt-out command.
func IsOptOutToken(token string) bool {
	_, ok := optOutTokens[token]
	return ok
}

// consentAnswer maps a token onto a PDPA yes/no answer.
func consentAnswer(token string) *bool {
	if _, ok := yesTokens[token]; ok {
		v := true
		return &v
	}
	if _, ok := noTokens[token]; ok {
		v := false
		return &v
	}
	return nil
}

// Decide routes one inbound text. Precedence: continuation of an open
// progress (PDPA yes/no tokens count regardless of step keywords), then a new
// contest start on the first token, then free-form pass-through when any
// progress is open, otherwise ignore.
func Decide(input RouteInput) Decision {
	token := FirstToken(input.Body)

	if d, ok := decideContinuation(input, token); ok {
		return d
	}

	if token != "" {
		for i := range input.ActiveContests {
			if input.ActiveContests[i].MatchesKeyword(token) {
				return Decision{Kind: KindStart, Contest: &input.ActiveContests[i]}
			}
		}
	}

	if len(input.OpenProgresses) > 0 {
		return Decision{Kind: KindFreeForm, Progress: &input.OpenProgresses[0]}
	}
	return Decision{Kind: KindIgnore}
}

// decideContinuation scans open progresses for one whose script matches the
// token. Progresses arrive most recent first; among candidates touched at the
// same instant the higher-priority contest wins.
func decideContinuation(input RouteInput, token string) (Decision, bool) {
	var best *Decision
	var bestIdx int

	for i := range input.OpenProgresses {
		pc := &input.OpenProgresses[i]
		cur := pc.CurrentStep()
		if cur == nil || !cur.WaitForResponse {
			continue
		}
		next := pc.NextStep()

		// PDPA yes/no overrides the step keyword lists.
		if cur.StepKind == model.StepKindPdpa {
			if answer := consentAnswer(token); answer != nil {
				d := Decision{Kind: KindContinue, Progress: pc, NextStep: next, Consent: answer}
				if better(best, input.OpenProgresses, bestIdx, i) {
					best, bestIdx = &d, i
				}
				continue
			}
		}

		matched := false
		if next != nil && next.MatchesKeyword(token) {
			matched = true
		} else if !cur.AutoAdvance && cur.MatchesKeyword(token) {
			matched = true
		}
		if matched {
			d := Decision{Kind: KindContinue, Progress: pc, NextStep: next}
			if better(best, input.OpenProgresses, bestIdx, i) {
				best, bestIdx = &d, i
			}
		}
	}

	if best == nil {
		return Decision{}, false
	}
	return *best, true
}

// better reports whether the candidate at index idx beats the current best.
// The slice is ordered by recency, so an earlier index wins unless the
// timestamps tie, in which case contest priority breaks the tie.
func better(best *Decision, progresses []ProgressContext, bestIdx, idx int) bool {
	if best == nil {
		return true
	}
	b := progresses[bestIdx].Progress.LastInteractionAt
	c := progresses[idx].Progress.LastInteractionAt
	if c.Equal(b) {
		return progresses[idx].Contest.AutoReplyPriority > progresses[bestIdx].Contest.AutoReplyPriority
	}
	return c.After(b)
}
