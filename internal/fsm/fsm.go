package fsm

import (
	"errors"
	"fmt"
)

// Status is an aggregate lifecycle state. The set is closed: the only legal
// values are the constants below.
type Status string

const (
	StatusPending           Status = "pending"
	StatusOutlineProcessing Status = "outline_processing"
	StatusDraftProcessing   Status = "draft_processing"
	StatusReviewProcessing  Status = "review_processing"
	StatusCompleted         Status = "completed"
	StatusCanceled          Status = "canceled"
)

// Event triggers a transition between states.
type Event string

const (
	EventStart       Event = "start"
	EventOutlineDone Event = "outline.done"
	EventDraftDone   Event = "draft.done"
	EventReviewDone  Event = "review.done"
	EventCancel      Event = "cancel"
)

// JobType names the asynchronous job dispatched by a transition.
type JobType string

const (
	JobGenerateOutline JobType = "generate.outline"
	JobGenerateDraft   JobType = "generate.draft"
	JobReviewDraft     JobType = "review.draft"
	JobNotifyComplete  JobType = "notify.complete"
	JobNotifyCanceled  JobType = "notify.canceled"
)

// ErrInvalidTransition is returned for any (state, event) pair not declared
// in the transition table.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition is a declared edge: the state it leads to and the job it
// dispatches. Every edge dispatches exactly one job.
type Transition struct {
	Next Status
	Job  JobType
}

// transitions is the full graph. Terminal states (completed, canceled) have
// no entry, so every event is rejected from them.
var transitions = map[Status]map[Event]Transition{
	StatusPending: {
		EventStart:  {Next: StatusOutlineProcessing, Job: JobGenerateOutline},
		EventCancel: {Next: StatusCanceled, Job: JobNotifyCanceled},
	},
	StatusOutlineProcessing: {
		EventOutlineDone: {Next: StatusDraftProcessing, Job: JobGenerateDraft},
		EventCancel:      {Next: StatusCanceled, Job: JobNotifyCanceled},
	},
	StatusDraftProcessing: {
		EventDraftDone: {Next: StatusReviewProcessing, Job: JobReviewDraft},
		EventCancel:    {Next: StatusCanceled, Job: JobNotifyCanceled},
	},
	StatusReviewProcessing: {
		EventReviewDone: {Next: StatusCompleted, Job: JobNotifyComplete},
		EventCancel:     {Next: StatusCanceled, Job: JobNotifyCanceled},
	},
}

// Next resolves the transition for (current, event). It is pure and total
// over the declared state set: undeclared pairs fail with ErrInvalidTransition.
func Next(current Status, event Event) (Transition, error) {
	edges, ok := transitions[current]
	if !ok {
		return Transition{}, fmt.Errorf("%w: state %q is terminal or unknown", ErrInvalidTransition, current)
	}
	tr, ok := edges[event]
	if !ok {
		return Transition{}, fmt.Errorf("%w: event %q not allowed in state %q", ErrInvalidTransition, event, current)
	}
	return tr, nil
}

// IsTerminal reports whether a state has no outgoing edges.
func IsTerminal(s Status) bool {
	_, ok := transitions[s]
	return !ok && IsValid(s)
}

// IsValid reports whether s belongs to the declared state set.
func IsValid(s Status) bool {
	switch s {
	case StatusPending, StatusOutlineProcessing, StatusDraftProcessing,
		StatusReviewProcessing, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// IsValidEvent reports whether e belongs to the declared event set.
func IsValidEvent(e Event) bool {
	switch e {
	case EventStart, EventOutlineDone, EventDraftDone, EventReviewDone, EventCancel:
		return true
	}
	return false
}

// processingStates maps each job type to the state in which executing it is
// legitimate. A worker holding a job whose aggregate is in any other state is
// looking at a duplicate or stale delivery.
var processingStates = map[JobType]Status{
	JobGenerateOutline: StatusOutlineProcessing,
	JobGenerateDraft:   StatusDraftProcessing,
	JobReviewDraft:     StatusReviewProcessing,
	JobNotifyComplete:  StatusCompleted,
	JobNotifyCanceled:  StatusCanceled,
}

// ProcessingState returns the state a job of this type executes in, and
// whether the job type is known.
func ProcessingState(job JobType) (Status, bool) {
	s, ok := processingStates[job]
	return s, ok
}

// completionEvents maps stage jobs to the event their completion triggers.
// Notification jobs end the pipeline and trigger nothing.
var completionEvents = map[JobType]Event{
	JobGenerateOutline: EventOutlineDone,
	JobGenerateDraft:   EventDraftDone,
	JobReviewDraft:     EventReviewDone,
}

// CompletionEvent returns the event a worker fires after finishing a job of
// this type. The empty event means the job has no follow-up transition.
func CompletionEvent(job JobType) Event {
	return completionEvents[job]
}
