package session

import (
	"fmt"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/sirupsen/logrus"
)

// DefaultOperationTimeout bounds every GATT operation issued by the queue.
const DefaultOperationTimeout = 10 * time.Second

type opKind int

const (
	opDiscover opKind = iota
	opRead
	opWrite
)

func (k opKind) String() string {
	switch k {
	case opDiscover:
		return "discover"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Result is the outcome of a GATT operation.
type Result struct {
	Data            []byte
	Characteristics []string
	Err             error
}

// Operation is one GATT request waiting in, or issued by, the queue.
type Operation struct {
	id           uint64
	kind         opKind
	target       string
	payload      []byte
	withResponse bool
	label        string

	onComplete func(Result)
	completed  bool
}

// ID returns the identifier the transport echoes back on completion.
func (op *Operation) ID() uint64 { return op.id }

func (op *Operation) finish(res Result) {
	if op.completed {
		return
	}
	op.completed = true
	if op.onComplete != nil {
		op.onComplete(res)
	}
}

// Queue serialises GATT operations so that at most one is in flight.
//
// A Queue is not safe for concurrent use: it is owned by the session loop and
// every method must be called from that goroutine. Timer expiry is reported
// through the expire callback, which must post back into the loop.
type Queue struct {
	logger  *logrus.Entry
	timeout time.Duration

	issue  func(op *Operation) error
	expire func(opID uint64)

	pending  *list.List[*Operation]
	inFlight *Operation
	timer    *time.Timer
	nextID   uint64
}

// NewQueue creates a queue that hands operations to issue and reports expired
// operations through expire.
func NewQueue(logger *logrus.Entry, timeout time.Duration, issue func(op *Operation) error, expire func(opID uint64)) *Queue {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &Queue{
		logger:  logger,
		timeout: timeout,
		issue:   issue,
		expire:  expire,
		pending: list.New[*Operation](),
	}
}

// Enqueue appends op to the tail and dispatches it if the queue is idle.
func (q *Queue) Enqueue(op *Operation) {
	q.nextID++
	op.id = q.nextID
	q.pending.PushBack(op)

	q.logger.WithFields(logrus.Fields{
		"op_id":   op.id,
		"op":      op.label,
		"pending": q.pending.Len(),
	}).Debug("Operation enqueued")

	q.dispatch()
}

func (q *Queue) dispatch() {
	for q.inFlight == nil {
		front := q.pending.Front()
		if front == nil {
			return
		}
		op := q.pending.Remove(front)
		q.inFlight = op

		if err := q.issue(op); err != nil {
			q.inFlight = nil
			q.logger.WithFields(logrus.Fields{
				"op_id": op.id,
				"op":    op.label,
				"error": err,
			}).Warn("Transport rejected operation")
			op.finish(Result{Err: transportFailure(op.label, err)})
			continue
		}

		id := op.id
		q.timer = time.AfterFunc(q.timeout, func() { q.expire(id) })
		q.logger.WithFields(logrus.Fields{
			"op_id":  op.id,
			"op":     op.label,
			"target": op.target,
		}).Debug("Operation issued")
	}
}

// Complete delivers res to the in-flight operation if its id matches opID and
// dispatches the next one. Completions for any other id are ignored.
func (q *Queue) Complete(opID uint64, res Result) bool {
	op := q.inFlight
	if op == nil || op.id != opID {
		q.logger.WithField("op_id", opID).Debug("Ignoring completion for an operation that is not in flight")
		return false
	}
	q.stopTimer()
	q.inFlight = nil
	op.finish(res)
	q.dispatch()
	return true
}

// Expire fails the in-flight operation with OperationTimeout if it is still opID.
func (q *Queue) Expire(opID uint64) bool {
	op := q.inFlight
	if op == nil || op.id != opID {
		return false
	}
	q.timer = nil
	q.inFlight = nil

	q.logger.WithFields(logrus.Fields{
		"op_id":   op.id,
		"op":      op.label,
		"timeout": q.timeout,
	}).Warn("Operation timed out")

	op.finish(Result{Err: newError(OperationTimeout, op.label, fmt.Errorf("no response within %s", q.timeout))})
	q.dispatch()
	return true
}

// Drain fails the in-flight and every pending operation with kind, exactly once
// each, and leaves the queue empty.
func (q *Queue) Drain(kind ErrorKind, cause error) int {
	q.stopTimer()

	var ops []*Operation
	if q.inFlight != nil {
		ops = append(ops, q.inFlight)
		q.inFlight = nil
	}
	for e := q.pending.Front(); e != nil; e = e.Next() {
		ops = append(ops, e.Value)
	}
	q.pending.Init()

	for _, op := range ops {
		op.finish(Result{Err: newError(kind, op.label, cause)})
	}
	if len(ops) > 0 {
		q.logger.WithFields(logrus.Fields{
			"drained": len(ops),
			"reason":  kind,
		}).Debug("Operation queue drained")
	}
	return len(ops)
}

// InFlight returns the operation currently issued to the transport, or nil.
func (q *Queue) InFlight() *Operation { return q.inFlight }

// Len returns the number of operations waiting behind the in-flight one.
func (q *Queue) Len() int { return q.pending.Len() }

func (q *Queue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
