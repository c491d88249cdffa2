// Background workers.
//
// A worker loops on a message queue with a periodic timeout: messages
// trigger the job immediately, the period triggers it with a nil
// message. Several workers may share one queue; each message is then
// handled by exactly one of them. Errors go to a dedicated error
// reporter and never kill the worker.
package task

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/log"
)

// Message is the unit of work handed to a worker.
type Message struct {
	Type uint32
	Cont any
}

// Job handles one message; a nil message is a periodic tick.
type Job func(msg *Message) *errs.Error

// Worker drains a queue in the background.
type Worker struct {
	name    string
	period  time.Duration
	queue   *Queue[*Message]
	job     Job
	onError func(error)
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewWorker creates worker threads draining the given queue. With a
// positive period the job also runs on every period expiry. onError
// may be nil; errors are then logged.
func NewWorker(name string, n int, period time.Duration,
	queue *Queue[*Message], job Job, onError func(error)) *Worker {

	w := &Worker{
		name:    name,
		period:  period,
		queue:   queue,
		job:     job,
		onError: onError,
		logger:  log.WithComponent("worker." + name),
	}
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

func (w *Worker) run() {
	defer w.wg.Done()
	timeout := w.period
	if timeout <= 0 {
		timeout = Forever
	}
	for {
		msg, err := w.queue.Dequeue(timeout)
		if err != nil {
			switch err.Kind {
			case errs.Timeout:
				w.fire(nil)
				continue
			case errs.NoRsc:
				return // queue closed and drained
			default:
				w.report(err)
				continue
			}
		}
		w.fire(msg)
	}
}

func (w *Worker) fire(msg *Message) {
	if err := w.job(msg); err != nil {
		w.report(err)
	}
}

func (w *Worker) report(err error) {
	if w.onError != nil {
		w.onError(err)
		return
	}
	w.logger.Error().Err(err).Msg("job failed")
}

// Stop closes the queue and waits for the workers to exit. Pending
// messages are dequeued and handled before exit.
func (w *Worker) Stop() {
	w.queue.Close()
	w.wg.Wait()
}
