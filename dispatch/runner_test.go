// Package dispatch implements the file-analysis dispatcher.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"time"

	"github.com/NVIDIA/aiscan/cmn"
	"github.com/NVIDIA/aiscan/datastore"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Runner", func() {
	It("processes a submission end to end through the worker loops", func() {
		env := newTestEnv()
		defer env.close()
		env.addService("sv1", "CORE", 60)
		env.addFile(shaA)
		task := env.submission("E2E", shaA)
		task.CompletedQueue = "e2e-done"

		payload, err := js.Marshal(task)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.st.Queue(SubmissionQueue).Push(payload)).To(Succeed())

		runner := NewRunner(env.d)
		go func() { _ = runner.Run() }()
		defer runner.Stop()

		// stand-in service worker: finish whatever lands on the queue and
		// hand the file back to the file queue so the dispatcher sees it
		workerDone := make(chan struct{})
		defer close(workerDone)
		go func() {
			dh := NewDispatchHash("E2E", env.st)
			for {
				select {
				case <-workerDone:
					return
				default:
				}
				p, err := env.st.Queue(ServiceQueueName("sv1")).Pop(20 * time.Millisecond)
				if err != nil || p == nil {
					continue
				}
				stask := &ServiceTask{}
				if js.Unmarshal(p, stask) != nil {
					continue
				}
				env.ds.PutResult("k-e2e", &datastore.Result{Score: 42})
				_, _ = dh.Finish(stask.FileInfo.SHA256, stask.ServiceName,
					&FinishRecord{Bucket: BucketResult, Key: "k-e2e", Score: 42})
				ft := &FileTask{SID: stask.SID, FileInfo: stask.FileInfo, Depth: stask.Depth, MaxFiles: stask.MaxFiles}
				if fp, err := js.Marshal(ft); err == nil {
					_ = env.st.Queue(FileQueue).Push(fp)
				}
			}
		}()

		Eventually(func() []byte {
			p, _ := env.st.Queue("e2e-done").Pop(0)
			return p
		}, 10*time.Second, 50*time.Millisecond).ShouldNot(BeNil())

		saved, err := env.ds.Submissions().Get("E2E")
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.State).To(Equal(cmn.StateCompleted))
		Expect(saved.MaxScore).To(Equal(42))
		Expect(saved.Results).To(Equal([]string{"k-e2e"}))
	})

	It("hydrates minimal re-check messages from the active-task hash", func() {
		env := newTestEnv()
		defer env.close()
		runner := NewRunner(env.d)

		// unknown sid: dropped, not an error
		task, err := runner.resolveSubmissionTask([]byte(`{"sid":"ghost"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(task).To(BeNil())

		// tracked sid: resolved to the stored task
		full := env.submission("S-hydrate", shaA)
		data, err := js.Marshal(full)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.d.activeTasks.Set("S-hydrate", data)).To(Succeed())

		task, err = runner.resolveSubmissionTask([]byte(`{"sid":"S-hydrate"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(task).NotTo(BeNil())
		Expect(task.Submission.SID).To(Equal("S-hydrate"))

		// garbage: dropped
		task, err = runner.resolveSubmissionTask([]byte(`{`))
		Expect(err).NotTo(HaveOccurred())
		Expect(task).To(BeNil())
	})
})
