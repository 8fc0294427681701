// Package dispatch implements the file-analysis dispatcher.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"time"

	"github.com/NVIDIA/aiscan/cmn/cos"
	"github.com/NVIDIA/aiscan/cmn/nlog"
	"golang.org/x/sync/errgroup"
)

const popTimeout = time.Second

// Runner owns the worker loops of one process: some number of
// submission-dispatcher and file-dispatcher goroutines popping from the
// shared queues. A failed work item is logged and left to the watchdog
// to re-deliver.
type Runner struct {
	d      *Dispatcher
	stopCh chan struct{}
}

func NewRunner(d *Dispatcher) *Runner {
	return &Runner{d: d, stopCh: make(chan struct{})}
}

// Run blocks until Stop.
func (r *Runner) Run() error {
	group := &errgroup.Group{}
	for i := 0; i < r.d.config.Dispatcher.SubmissionWorkers; i++ {
		group.Go(r.submissionLoop)
	}
	for i := 0; i < r.d.config.Dispatcher.FileWorkers; i++ {
		group.Go(r.fileLoop)
	}
	nlog.Infof("dispatcher running: %d submission, %d file worker(s)",
		r.d.config.Dispatcher.SubmissionWorkers, r.d.config.Dispatcher.FileWorkers)
	return group.Wait()
}

func (r *Runner) Stop() { close(r.stopCh) }

func (r *Runner) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Runner) submissionLoop() error {
	for !r.stopped() {
		payload, err := r.d.submissionQueue.Pop(popTimeout)
		if err != nil {
			nlog.Errorf("submission queue pop failed: %v", err)
			continue
		}
		if payload == nil {
			continue
		}
		task, err := r.resolveSubmissionTask(payload)
		if err != nil {
			nlog.Warningf("dropping submission message: %v", err)
			continue
		}
		if task == nil {
			continue
		}
		if err := r.d.DispatchSubmission(task); err != nil {
			// Transient by assumption; the watchdog re-delivers.
			nlog.Errorf("dispatch submission %s failed: %v", task.Submission.SID, err)
		}
	}
	return nil
}

func (r *Runner) fileLoop() error {
	for !r.stopped() {
		payload, err := r.d.fileQueue.Pop(popTimeout)
		if err != nil {
			nlog.Errorf("file queue pop failed: %v", err)
			continue
		}
		if payload == nil {
			continue
		}
		task := &FileTask{}
		if err := js.Unmarshal(payload, task); err != nil {
			nlog.Warningf("dropping malformed file task: %v", err)
			continue
		}
		if task.SID == "" || task.FileInfo.SHA256 == "" {
			nlog.Warningf("dropping incomplete file task: %+v", task)
			continue
		}
		if err := r.d.DispatchFile(task); err != nil {
			nlog.Errorf("dispatch file %s/%s failed: %v", task.SID, task.FileInfo.SHA256, err)
		}
	}
	return nil
}

// resolveSubmissionTask accepts either a full SubmissionTask (initial
// enqueue) or a minimal {sid} re-check message hydrated from the
// active-task hash.
func (r *Runner) resolveSubmissionTask(payload []byte) (*SubmissionTask, error) {
	task := &SubmissionTask{}
	if err := js.Unmarshal(payload, task); err == nil && task.Submission != nil && task.Submission.SID != "" {
		return task, nil
	}

	msg := &SubmissionMessage{}
	if err := js.Unmarshal(payload, msg); err != nil || msg.SID == "" {
		nlog.Warningf("unrecognized submission message: %q", string(payload))
		return nil, nil
	}
	data, err := r.d.activeTasks.Get(msg.SID)
	if err != nil {
		if cos.IsErrNotFound(err) {
			nlog.Warningf("re-check for untracked submission: %s", msg.SID)
			return nil, nil
		}
		return nil, err
	}
	task = &SubmissionTask{}
	if err := js.Unmarshal(data, task); err != nil {
		return nil, err
	}
	return task, nil
}
