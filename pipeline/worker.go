package pipeline

import (
	"GradCamServer/grading"
	"GradCamServer/logger"
	"GradCamServer/monitor"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("dispatcher closed")

type JobPackage struct {
	request Request
	Result  chan jobResult
}

type jobResult struct {
	Payload grading.Payload
	Err     error
}

// Dispatcher runs pipeline jobs on a fixed set of worker goroutines so that
// transports only do I/O on their own goroutines.
type Dispatcher struct {
	pipeline *Pipeline
	JobQueue chan JobPackage

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(p *Pipeline, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		pipeline: p,
		JobQueue: make(chan JobPackage, queueSize),
	}
}

func (d *Dispatcher) Pipeline() *Pipeline {
	return d.pipeline
}

func (d *Dispatcher) StartWorker(workerNum int) {
	for i := 0; i < workerNum; i++ {
		d.wg.Add(1)
		go d.runWorker(i)
	}
}

func (d *Dispatcher) runWorker(workerID int) {
	defer d.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Info("worker created", zap.Int("worker", workerID))
	for job := range d.JobQueue {
		monitor.QueueDepth.Set(float64(len(d.JobQueue)))
		job.Result <- d.process(workerID, job.request)
	}
	logger.Log().Info("worker stopped", zap.Int("worker", workerID))
}

// process never panics: a panicking stage is reported as an internal error.
func (d *Dispatcher) process(workerID int, req Request) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("worker panic recovered",
				zap.Int("worker", workerID),
				zap.String("request_id", req.ID),
				zap.Any("panic", r))
			res = jobResult{Err: &Error{Kind: KindInternal, Stage: "worker", Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	payload, err := d.pipeline.Run(req)
	return jobResult{Payload: payload, Err: err}
}

// Submit queues req and waits for its result. ctx only bounds the wait for a
// queue slot; a queued job always runs to completion.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (grading.Payload, error) {
	job := JobPackage{request: req, Result: make(chan jobResult, 1)}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return grading.Payload{}, &Error{Kind: KindModelUnavailable, Stage: "dispatch", Err: ErrClosed}
	}
	select {
	case d.JobQueue <- job:
		monitor.QueueDepth.Set(float64(len(d.JobQueue)))
	case <-ctx.Done():
		d.mu.RUnlock()
		return grading.Payload{}, &Error{Kind: KindInternal, Stage: "dispatch", Err: ctx.Err()}
	}
	d.mu.RUnlock()

	res := <-job.Result
	return res.Payload, res.Err
}

// Close stops accepting jobs, drains the queue and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.JobQueue)
	d.mu.Unlock()
	d.wg.Wait()
}
