// Package dispatch implements the file-analysis dispatcher.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"strings"
	"time"

	"github.com/NVIDIA/aiscan/cmn"
	"github.com/NVIDIA/aiscan/datastore"
	"github.com/NVIDIA/aiscan/store"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var (
	shaA = strings.Repeat("a", 64)
	shaB = strings.Repeat("b", 64)
	shaC = strings.Repeat("c", 64)
	shaD = strings.Repeat("d", 64)
	shaE = strings.Repeat("e", 64)
	shaF = strings.Repeat("f", 64)
)

type testEnv struct {
	d     *Dispatcher
	ds    *datastore.Mem
	st    store.Store
	clock time.Time
}

func newTestEnv() *testEnv {
	st, err := store.NewBuntStore(store.InMemoryPath)
	Expect(err).NotTo(HaveOccurred())

	config := &cmn.Config{}
	config.Init()
	env := &testEnv{
		ds:    datastore.NewMem(),
		st:    st,
		clock: time.Unix(1700000000, 0),
	}
	now = func() time.Time { return env.clock }
	env.d = NewDispatcher(env.ds, st, config, nil, nil)
	return env
}

func (env *testEnv) close() {
	now = time.Now
	_ = env.st.Close()
}

func (env *testEnv) advance(d time.Duration) { env.clock = env.clock.Add(d) }

func (env *testEnv) addService(name, stage string, timeoutSec int64) {
	env.ds.AddService(&cmn.Service{
		Name:       name,
		Category:   "static",
		Stage:      stage,
		TimeoutSec: timeoutSec,
		Enabled:    true,
	})
}

func (env *testEnv) addFile(sha string) {
	env.ds.AddFile(&cmn.FileInfo{
		SHA256: sha,
		SHA1:   sha[:40],
		MD5:    sha[:32],
		Type:   "document/pdf",
		Mime:   "application/pdf",
		Size:   1 << 10,
	})
}

func (env *testEnv) submission(sid string, shas ...string) *SubmissionTask {
	refs := make([]cmn.FileRef, len(shas))
	for i, sha := range shas {
		refs[i] = cmn.FileRef{Name: "file-" + sha[:4], SHA256: sha}
	}
	return &SubmissionTask{Submission: &cmn.Submission{
		SID:   sid,
		Files: refs,
		State: cmn.StateSubmitted,
	}}
}

func (env *testEnv) putResult(key string, score int, drop bool, extracted ...string) {
	res := &datastore.Result{Score: score, Drop: drop}
	for _, sha := range extracted {
		res.Extracted = append(res.Extracted, datastore.ExtractedFile{SHA256: sha})
	}
	env.ds.PutResult(key, res)
}

// finish plays the role of the external service worker.
func (env *testEnv) finish(sid, sha, svc string, rec *FinishRecord) {
	_, err := NewDispatchHash(sid, env.st).Finish(sha, svc, rec)
	Expect(err).NotTo(HaveOccurred())
}

func (env *testEnv) popFileTask() *FileTask {
	payload, err := env.st.Queue(FileQueue).Pop(0)
	Expect(err).NotTo(HaveOccurred())
	if payload == nil {
		return nil
	}
	task := &FileTask{}
	Expect(js.Unmarshal(payload, task)).To(Succeed())
	return task
}

func (env *testEnv) popServiceTask(svc string) *ServiceTask {
	payload, err := env.st.Queue(ServiceQueueName(svc)).Pop(0)
	Expect(err).NotTo(HaveOccurred())
	if payload == nil {
		return nil
	}
	task := &ServiceTask{}
	Expect(js.Unmarshal(payload, task)).To(Succeed())
	return task
}

func (env *testEnv) popSubmissionMessage() *SubmissionMessage {
	payload, err := env.st.Queue(SubmissionQueue).Pop(0)
	Expect(err).NotTo(HaveOccurred())
	if payload == nil {
		return nil
	}
	msg := &SubmissionMessage{}
	Expect(js.Unmarshal(payload, msg)).To(Succeed())
	return msg
}

// runFile drains the file queue, dispatching every task; the service
// worker side is simulated by the individual specs.
func (env *testEnv) runFiles() (tasks []*FileTask) {
	for {
		task := env.popFileTask()
		if task == nil {
			return
		}
		Expect(env.d.DispatchFile(task)).To(Succeed())
		tasks = append(tasks, task)
	}
}

var _ = Describe("Dispatcher", func() {
	var env *testEnv

	BeforeEach(func() { env = newTestEnv() })
	AfterEach(func() { env.close() })

	It("drives a single file through one service to completion", func() {
		env.addService("sv1", "CORE", 60)
		env.addFile(shaA)
		task := env.submission("S1", shaA)

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ft := env.popFileTask()
		Expect(ft).NotTo(BeNil())
		Expect(ft.FileInfo.SHA256).To(Equal(shaA))
		Expect(ft.Depth).To(Equal(0))
		Expect(ft.MaxFiles).To(Equal(1))

		Expect(env.d.DispatchFile(ft)).To(Succeed())
		st := env.popServiceTask("sv1")
		Expect(st).NotTo(BeNil())
		Expect(st.SID).To(Equal("S1"))
		Expect(st.ServiceName).To(Equal("sv1"))

		env.putResult("k1", 10, false)
		env.finish("S1", shaA, "sv1", &FinishRecord{Bucket: BucketResult, Key: "k1", Score: 10})

		Expect(env.d.DispatchFile(ft)).To(Succeed())
		key := task.Submission.Params.CreateFileScoreKey(shaA)
		fscore, ok := env.ds.FileScore(key)
		Expect(ok).To(BeTrue())
		Expect(fscore.Score).To(Equal(10))
		Expect(fscore.Errors).To(Equal(0))
		Expect(fscore.SID).To(Equal("S1"))

		msg := env.popSubmissionMessage()
		Expect(msg).NotTo(BeNil())
		Expect(msg.SID).To(Equal("S1"))

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		saved, err := env.ds.Submissions().Get("S1")
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.State).To(Equal(cmn.StateCompleted))
		Expect(saved.Results).To(Equal([]string{"k1"}))
		Expect(saved.ErrorCount).To(Equal(0))
		Expect(saved.MaxScore).To(Equal(10))
		Expect(saved.FileCount).To(Equal(1))
		Expect(saved.Times.Completed).NotTo(BeEmpty())

		// all working state flushed
		exists, err := env.d.activeTasks.Exists("S1")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeFalse())
		all, err := NewDispatchHash("S1", env.st).AllResults()
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(BeEmpty())
	})

	It("truncates the schedule after a drop result", func() {
		env.addService("sv1", "CORE", 60)
		env.addService("sv2", "POST", 60)
		env.addFile(shaA)
		task := env.submission("S2", shaA)

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ft := env.popFileTask()
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv1")).NotTo(BeNil())
		Expect(env.popServiceTask("sv2")).To(BeNil()) // stage ordering

		env.putResult("k1", 7, true)
		env.finish("S2", shaA, "sv1", &FinishRecord{Bucket: BucketResult, Key: "k1", Score: 7, Drop: true})

		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv2")).To(BeNil()) // suppressed by drop

		key := task.Submission.Params.CreateFileScoreKey(shaA)
		fscore, ok := env.ds.FileScore(key)
		Expect(ok).To(BeTrue())
		Expect(fscore.Score).To(Equal(7))

		// the cached schedule was pinned to the started stages
		stages, ok2, err := NewDispatchHash("S2", env.st).ScheduleGet(shaA)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok2).To(BeTrue())
		for _, stage := range stages {
			Expect(stage).NotTo(ContainElement("sv2"))
		}

		Expect(env.popSubmissionMessage()).NotTo(BeNil())
		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		saved, err := env.ds.Submissions().Get("S2")
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.State).To(Equal(cmn.StateCompleted))
		Expect(saved.MaxScore).To(Equal(7))
	})

	It("keeps dispatching past a drop when filtering is ignored", func() {
		env.addService("sv1", "CORE", 60)
		env.addService("sv2", "POST", 60)
		env.addFile(shaA)
		task := env.submission("S2i", shaA)
		task.Submission.Params.IgnoreFiltering = true

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ft := env.popFileTask()
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv1")).NotTo(BeNil())

		env.putResult("k1", 7, true)
		env.finish("S2i", shaA, "sv1", &FinishRecord{Bucket: BucketResult, Key: "k1", Score: 7, Drop: true})

		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv2")).NotTo(BeNil())
	})

	It("excludes files extracted beyond the depth limit", func() {
		env.d.config.Submission.MaxExtractionDepth = 2
		env.addService("xt", "EXTRACT", 60)
		for _, sha := range []string{shaA, shaB, shaC, shaD} {
			env.addFile(sha)
		}
		task := env.submission("S3", shaA)
		task.Submission.Params.MaxExtracted = 3 // the budget is not what is under test

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ft := env.popFileTask()
		Expect(ft.Depth).To(Equal(0))
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("xt")).NotTo(BeNil())
		env.putResult("kA", 0, false, shaB)
		env.finish("S3", shaA, "xt", &FinishRecord{Bucket: BucketResult, Key: "kA"})
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popSubmissionMessage()).NotTo(BeNil())

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ftB := env.popFileTask()
		Expect(ftB).NotTo(BeNil())
		Expect(ftB.FileInfo.SHA256).To(Equal(shaB))
		Expect(ftB.Depth).To(Equal(1))
		Expect(ftB.ParentHash).To(Equal(shaA))

		Expect(env.d.DispatchFile(ftB)).To(Succeed())
		Expect(env.popServiceTask("xt")).NotTo(BeNil())
		env.putResult("kB", 0, false, shaC) // B extracts C
		env.finish("S3", shaB, "xt", &FinishRecord{Bucket: BucketResult, Key: "kB"})
		Expect(env.d.DispatchFile(ftB)).To(Succeed())

		// C would sit at depth 2 - excluded; D never seen; done.
		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		Expect(env.popFileTask()).To(BeNil())
		saved, err := env.ds.Submissions().Get("S3")
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.State).To(Equal(cmn.StateCompleted))
		Expect(saved.FileCount).To(Equal(2)) // A and B only
	})

	It("enforces the extraction budget", func() {
		env.addService("xt", "EXTRACT", 60)
		children := []string{shaB, shaC, shaD, shaE, shaF}
		env.addFile(shaA)
		for _, sha := range children {
			env.addFile(sha)
		}
		task := env.submission("S4", shaA)
		task.Submission.Params.MaxExtracted = 2

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ft := env.popFileTask()
		Expect(ft.MaxFiles).To(Equal(3))
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("xt")).NotTo(BeNil())
		env.putResult("kA", 0, false, children...)
		env.finish("S4", shaA, "xt", &FinishRecord{Bucket: BucketResult, Key: "kA"})
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popSubmissionMessage()).NotTo(BeNil())

		// exactly two of the five children fit the budget
		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		admitted := env.runFiles()
		Expect(admitted).To(HaveLen(2))
		for i, child := range admitted {
			sha := child.FileInfo.SHA256
			Expect(env.popServiceTask("xt")).NotTo(BeNil())
			key := "k-child-" + sha[:4]
			env.putResult(key, i, false)
			env.finish("S4", sha, "xt", &FinishRecord{Bucket: BucketResult, Key: key})
			Expect(env.d.DispatchFile(child)).To(Succeed())
		}

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		saved, err := env.ds.Submissions().Get("S4")
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.State).To(Equal(cmn.StateCompleted))
		Expect(saved.FileCount).To(Equal(3))
	})

	It("re-issues a service task only after the dispatch window lapses", func() {
		env.addService("sv1", "CORE", 30)
		env.addFile(shaA)
		task := env.submission("S5", shaA)

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ft := env.popFileTask()
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv1")).NotTo(BeNil())
		firstDispatch := env.clock.Unix()

		// still in flight
		env.advance(10 * time.Second)
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv1")).To(BeNil())

		// window lapsed: re-issue and restamp
		env.advance(30 * time.Second)
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv1")).NotTo(BeNil())
		dtime, err := NewDispatchHash("S5", env.st).DispatchTime(shaA, "sv1")
		Expect(err).NotTo(HaveOccurred())
		Expect(dtime).To(Equal(env.clock.Unix()))
		Expect(dtime).To(BeNumerically(">", firstDispatch))
	})

	It("completes a submission whose only service failed", func() {
		env.addService("sv1", "CORE", 60)
		env.addFile(shaA)
		task := env.submission("S6", shaA)

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ft := env.popFileTask()
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv1")).NotTo(BeNil())

		env.finish("S6", shaA, "sv1", &FinishRecord{Bucket: BucketError, Key: "e1"})
		Expect(env.d.DispatchFile(ft)).To(Succeed())

		key := task.Submission.Params.CreateFileScoreKey(shaA)
		fscore, ok := env.ds.FileScore(key)
		Expect(ok).To(BeTrue())
		Expect(fscore.Errors).To(Equal(1))
		Expect(fscore.Score).To(Equal(0))

		Expect(env.popSubmissionMessage()).NotTo(BeNil())
		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		saved, err := env.ds.Submissions().Get("S6")
		Expect(err).NotTo(HaveOccurred())
		Expect(saved.State).To(Equal(cmn.StateCompleted))
		Expect(saved.Errors).To(Equal([]string{"e1"}))
		Expect(saved.ErrorCount).To(Equal(1))
		Expect(saved.Results).To(BeEmpty())
		Expect(saved.MaxScore).To(Equal(0))
	})

	It("is idempotent under repeated dispatching", func() {
		env.addService("sv1", "CORE", 60)
		env.addFile(shaA)
		task := env.submission("S7", shaA)

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		Expect(env.d.DispatchSubmission(task)).To(Succeed())

		// both passes queued the file, but within the dispatch window
		// only one service task comes out
		ft1 := env.popFileTask()
		Expect(ft1).NotTo(BeNil())
		Expect(env.d.DispatchFile(ft1)).To(Succeed())
		for ft := env.popFileTask(); ft != nil; ft = env.popFileTask() {
			Expect(env.d.DispatchFile(ft)).To(Succeed())
		}
		Expect(env.popServiceTask("sv1")).NotTo(BeNil())
		Expect(env.popServiceTask("sv1")).To(BeNil())
	})

	It("drops file tasks of untracked submissions", func() {
		env.addService("sv1", "CORE", 60)
		env.addFile(shaA)
		fi, err := env.ds.Files().Get(shaA)
		Expect(err).NotTo(HaveOccurred())
		task := newFileTask("no-such-sid", "", fi, 0, 1)
		Expect(env.d.DispatchFile(task)).To(Succeed())
		Expect(env.popServiceTask("sv1")).To(BeNil())
	})

	It("notifies watchers and releases quota on finalization", func() {
		env.addService("sv1", "CORE", 60)
		env.addFile(shaA)
		task := env.submission("S8", shaA)
		task.Submission.Params.QuotaItem = true
		task.Submission.Params.Submitter = "alice"
		task.CompletedQueue = "done-q"

		Expect(env.st.Set(WatcherListName("S8"), time.Minute).Add("watch-q")).To(Succeed())

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		held, err := env.st.Hash(quotaHashName("alice")).Exists("S8")
		Expect(err).NotTo(HaveOccurred())
		Expect(held).To(BeTrue())

		ft := env.popFileTask()
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popServiceTask("sv1")).NotTo(BeNil())
		env.putResult("k1", 3, false)
		env.finish("S8", shaA, "sv1", &FinishRecord{Bucket: BucketResult, Key: "k1", Score: 3})
		Expect(env.d.DispatchFile(ft)).To(Succeed())
		Expect(env.popSubmissionMessage()).NotTo(BeNil())
		Expect(env.d.DispatchSubmission(task)).To(Succeed())

		held, err = env.st.Hash(quotaHashName("alice")).Exists("S8")
		Expect(err).NotTo(HaveOccurred())
		Expect(held).To(BeFalse())

		payload, err := env.st.Queue("done-q").Pop(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).NotTo(BeNil())
		completed := &cmn.Submission{}
		Expect(js.Unmarshal(payload, completed)).To(Succeed())
		Expect(completed.State).To(Equal(cmn.StateCompleted))

		payload, err = env.st.Queue("watch-q").Pop(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).NotTo(BeNil())
		msg := &WatchQueueMessage{}
		Expect(js.Unmarshal(payload, msg)).To(Succeed())
		Expect(msg.Status).To(Equal("STOP"))

		members, err := env.st.Set(WatcherListName("S8"), time.Minute).Members()
		Expect(err).NotTo(HaveOccurred())
		Expect(members).To(BeEmpty())
	})

	It("skips root files with missing metadata", func() {
		env.addService("sv1", "CORE", 60)
		env.addFile(shaA) // shaB intentionally absent
		task := env.submission("S9", shaA, shaB)

		Expect(env.d.DispatchSubmission(task)).To(Succeed())
		ft := env.popFileTask()
		Expect(ft).NotTo(BeNil())
		Expect(ft.FileInfo.SHA256).To(Equal(shaA))
		Expect(env.popFileTask()).To(BeNil())
	})
})
