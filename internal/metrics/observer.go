package metrics

import "time"

// Observer receives the operational signals spec'd for external monitoring:
// outbox backlog, dispatcher liveness, transition and worker failure rates,
// DLQ growth.
type Observer interface {
	RecordTransition()
	RecordTransitionRejected()
	RecordAnomaly()

	RecordDispatched()
	RecordRetried()
	RecordDead()
	SetBacklog(n int64)
	SetLastCycle(t time.Time)

	RecordExecuted()
	RecordWorkerFailure()
	RecordShortCircuit()
}

// NoopObserver discards everything; used in tests.
type NoopObserver struct{}

func (NoopObserver) RecordTransition()         {}
func (NoopObserver) RecordTransitionRejected() {}
func (NoopObserver) RecordAnomaly()            {}
func (NoopObserver) RecordDispatched()         {}
func (NoopObserver) RecordRetried()            {}
func (NoopObserver) RecordDead()               {}
func (NoopObserver) SetBacklog(int64)          {}
func (NoopObserver) SetLastCycle(time.Time)    {}
func (NoopObserver) RecordExecuted()           {}
func (NoopObserver) RecordWorkerFailure()      {}
func (NoopObserver) RecordShortCircuit()       {}
