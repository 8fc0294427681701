// Package dispatch implements the file-analysis dispatcher.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"time"

	"github.com/NVIDIA/aiscan/c12n"
	"github.com/NVIDIA/aiscan/cmn"
	"github.com/NVIDIA/aiscan/cmn/cos"
	"github.com/NVIDIA/aiscan/cmn/nlog"
	"github.com/NVIDIA/aiscan/datastore"
	"github.com/NVIDIA/aiscan/stats"
	"github.com/NVIDIA/aiscan/store"
	"github.com/NVIDIA/aiscan/watcher"
	"github.com/pkg/errors"
)

const (
	// Active-task records are written on a submission's first dispatch
	// and not rewritten afterwards; the TTL counts from that write.
	activeTaskTTL = 24 * time.Hour

	watcherListTTL = 30 * time.Minute
)

// Dispatcher is the stateless worker core: any number of processes may
// run any number of them against the same store. All coordination state
// lives in the store; a Dispatcher holds only wiring.
type Dispatcher struct {
	ds        datastore.Datastore
	st        store.Store
	config    *cmn.Config
	scheduler *Scheduler
	lattice   *c12n.Lattice
	watch     *watcher.Client
	tracker   *stats.Tracker

	submissionQueue store.Queue
	fileQueue       store.Queue
	activeTasks     store.Hash
}

func NewDispatcher(ds datastore.Datastore, st store.Store, config *cmn.Config, lattice *c12n.Lattice, tracker *stats.Tracker) *Dispatcher {
	if lattice == nil {
		lattice = c12n.New(nil)
	}
	if tracker == nil {
		tracker = stats.NewTracker(st)
	}
	return &Dispatcher{
		ds:              ds,
		st:              st,
		config:          config,
		scheduler:       NewScheduler(ds, config),
		lattice:         lattice,
		watch:           watcher.NewClient(st),
		tracker:         tracker,
		submissionQueue: st.Queue(SubmissionQueue),
		fileQueue:       st.Queue(FileQueue),
		activeTasks:     st.ExpiringHash(DispatchTaskHash, activeTaskTTL),
	}
}

func (d *Dispatcher) Scheduler() *Scheduler { return d.scheduler }

// DispatchSubmission walks the submission's file tree (roots plus
// already-extracted children), re-queues every file that still has work
// outstanding, and finalizes the submission once nothing does.
//
// Re-entrant: dropping a submission mid-walk and re-dispatching
// converges to the same outcome - schedules are cached write-once,
// finish records are monotone, and admission is quota-capped.
func (d *Dispatcher) DispatchSubmission(task *SubmissionTask) error {
	sub := task.Submission
	sid := sub.SID

	exists, err := d.activeTasks.Exists(sid)
	if err != nil {
		return err
	}
	if !exists {
		nlog.Debugf("starting submission %s for %s", sid, sub.Params.Submitter)
		data, err := js.Marshal(task)
		if err != nil {
			return err
		}
		if err := d.activeTasks.Set(sid, data); err != nil {
			return err
		}
	} else {
		nlog.Debugf("check if submission %s is complete", sid)
	}

	// Re-arm the watchdog first: if anything below wedges, the
	// submission re-enters this loop on its own.
	err = d.watch.Touch(sid, d.config.Dispatcher.Timeout(), SubmissionQueue, &SubmissionMessage{SID: sid})
	if err != nil {
		return err
	}

	// Refresh the quota hold.
	if sub.Params.QuotaItem && sub.Params.Submitter != "" {
		nlog.Debugf("submission %s counts toward quota for %s", sid, sub.Params.Submitter)
		if err := d.st.Hash(quotaHashName(sub.Params.Submitter)).Set(sid, []byte(cos.NowISO())); err != nil {
			return err
		}
	}

	dt := NewDispatchHash(sid, d.st)
	maxFiles := len(sub.Files) + sub.Params.MaxExtracted

	var unchecked []*FileTask
	for _, ref := range sub.Files {
		fi, err := d.ds.Files().Get(ref.SHA256)
		if err != nil {
			if cos.IsErrNotFound(err) {
				nlog.Errorf("submission %s tried to process missing file: %s", sid, ref.SHA256)
				continue
			}
			return err
		}
		unchecked = append(unchecked, newFileTask(sid, "", fi, 0, maxFiles))
	}

	encountered := make(map[string]struct{}, len(sub.Files))
	for _, ref := range sub.Files {
		encountered[ref.SHA256] = struct{}{}
	}

	var (
		pending         = make(map[string]*FileTask)
		parents         = make(map[string][]string)
		classifications []string
		maxScore        int
		scored          bool
	)

	// Walk every encountered file; results with extracted children grow
	// the worklist.
	for len(unchecked) > 0 {
		ft := unchecked[len(unchecked)-1]
		unchecked = unchecked[:len(unchecked)-1]
		sha := ft.FileInfo.SHA256

		schedule, err := d.schedule(dt, sub, sha, ft.FileInfo.Type)
		if err != nil {
			return err
		}

		for len(schedule) > 0 {
			stage := schedule[0]
			schedule = schedule[1:]

			for _, svcName := range stage {
				rec, err := dt.Finished(sha, svcName)
				if err != nil {
					return err
				}
				// Not started, in flight, or timed out: either way the
				// file dispatcher owns the re-issue.
				if rec == nil {
					pending[sha] = ft
					continue
				}

				// Abandoned with errors; counted at finalization.
				if rec.IsError() {
					continue
				}

				if !sub.Params.IgnoreFiltering && rec.Drop {
					schedule = nil
				}

				res, err := d.ds.Results().Get(rec.Key)
				if err != nil {
					if cos.IsErrNotFound(err) {
						nlog.Errorf("service responded to dispatcher with missing result: %s", rec.Key)
						continue
					}
					return err
				}

				for _, extracted := range res.Extracted {
					parents[extracted.SHA256] = append(parents[extracted.SHA256], sha)
					if _, ok := encountered[extracted.SHA256]; ok {
						continue
					}
					encountered[extracted.SHA256] = struct{}{}

					fi, err := d.ds.Files().Get(extracted.SHA256)
					if err != nil {
						if cos.IsErrNotFound(err) {
							nlog.Debugf("extracted file %s excluded from %s: no metadata", extracted.SHA256, sid)
							continue
						}
						return err
					}
					// Depth is recomputed from the parent map below.
					unchecked = append(unchecked, newFileTask(sid, sha, fi, 0, maxFiles))
				}

				if !scored || res.Score > maxScore {
					maxScore, scored = res.Score, true
				}
				classifications = append(classifications, res.Classification)
			}
		}
	}

	// The full extraction tree is known only now; recompute every
	// pending file's depth as the shortest path from any root and drop
	// those at or beyond the limit.
	depthLimit := d.config.Submission.MaxExtractionDepth
	depths := newDepthResolver(parents, depthLimit)
	for sha, ft := range pending {
		ft.Depth = depths.depth(sha)
		if ft.Depth >= depthLimit {
			delete(pending, sha)
		}
	}

	// Enforce the extraction budget.
	for sha := range pending {
		admitted, err := dt.AddFile(sha, maxFiles)
		if err != nil {
			return err
		}
		if !admitted {
			delete(pending, sha)
		}
	}

	if len(pending) == 0 {
		// The completed file count is the number of files actually
		// admitted and processed, not everything encountered.
		fileCount, err := dt.FileCount()
		if err != nil {
			return err
		}
		nlog.Debugf("finishing submission %s for %s", sid, sub.Params.Submitter)
		return d.finalizeSubmission(task, classifications, maxScore, fileCount)
	}

	nlog.Debugf("dispatching %d file%s for submission %s", len(pending), cos.Plural(len(pending)), sid)
	for _, ft := range pending {
		payload, err := js.Marshal(ft)
		if err != nil {
			return err
		}
		if err := d.fileQueue.Push(payload); err != nil {
			return err
		}
	}
	return nil
}

// DispatchFile advances one file one step: dispatch whatever the first
// unfinished stage still owes, or detect completion and signal the
// submission loop.
func (d *Dispatcher) DispatchFile(task *FileTask) error {
	sha := task.FileInfo.SHA256

	data, err := d.activeTasks.Get(task.SID)
	if err != nil {
		if cos.IsErrNotFound(err) {
			nlog.Warningf("untracked submission is being processed: %s", task.SID)
			return nil
		}
		return err
	}
	stask := &SubmissionTask{}
	if err := js.Unmarshal(data, stask); err != nil {
		return errors.Wrapf(err, "corrupt active task for %s", task.SID)
	}
	sub := stask.Submission
	nowUnix := now().Unix()
	nlog.Debugf("dispatching %s at depth %d for %s", sha, task.Depth, task.SID)

	err = d.watch.Touch(task.SID, d.config.Dispatcher.Timeout(), SubmissionQueue, &SubmissionMessage{SID: task.SID})
	if err != nil {
		return err
	}

	dt := NewDispatchHash(task.SID, d.st)
	schedule, err := d.schedule(dt, sub, sha, task.FileInfo.Type)
	if err != nil {
		return err
	}

	// Walk stages in order; stop at the first stage with outstanding
	// work - no stage may begin until the previous one fully resolved.
	var (
		startedStages [][]string
		outstanding   []*cmn.Service
		score         int
		errCount      int
	)
	for len(schedule) > 0 && len(outstanding) == 0 {
		stage := schedule[0]
		schedule = schedule[1:]
		startedStages = append(startedStages, stage)

		for _, svcName := range stage {
			svc, ok := d.scheduler.Service(svcName)
			if !ok {
				nlog.Warningf("scheduled service vanished from catalog: %s", svcName)
				continue
			}

			rec, err := dt.Finished(sha, svcName)
			if err != nil {
				return err
			}
			if rec == nil {
				outstanding = append(outstanding, svc)
				continue
			}
			if rec.IsError() {
				errCount++
				continue
			}

			score += rec.Score
			if !sub.Params.IgnoreFiltering && rec.Drop {
				// Truncate the remaining pipeline and pin the cached
				// schedule to the stages already started.
				if len(schedule) > 0 {
					if err := dt.ScheduleSet(sha, startedStages); err != nil {
						return err
					}
				}
				schedule = nil
			}
		}
	}

	if len(outstanding) > 0 {
		return d.dispatchOutstanding(dt, task, sub, outstanding, nowUnix)
	}
	return d.completeFile(dt, task, sub, score, errCount, nowUnix)
}

func (d *Dispatcher) dispatchOutstanding(dt *DispatchHash, task *FileTask, sub *cmn.Submission, outstanding []*cmn.Service, nowUnix int64) error {
	sha := task.FileInfo.SHA256
	for _, svc := range outstanding {
		// The dispatch window is a DISPATCHING guard, not a service-side
		// timeout: it keeps repeated dispatching of the same
		// submission+file+service off the service queues.
		dtime, err := dt.DispatchTime(sha, svc.Name)
		if err != nil {
			return err
		}
		if nowUnix-dtime < svc.TimeoutSec {
			continue
		}

		config, err := js.Marshal(buildServiceConfig(svc, sub))
		if err != nil {
			return err
		}
		payload, err := js.Marshal(&ServiceTask{
			SID:           task.SID,
			ServiceName:   svc.Name,
			ServiceConfig: string(config),
			FileInfo:      task.FileInfo,
			Depth:         task.Depth,
			MaxFiles:      task.MaxFiles,
		})
		if err != nil {
			return err
		}
		if err := d.st.Queue(ServiceQueueName(svc.Name)).Push(payload); err != nil {
			return err
		}
		d.tracker.IncServiceTasks(svc.Name)
		if err := dt.Dispatch(sha, svc.Name); err != nil {
			return err
		}
		nlog.Debugf("file %s sent to %s", sha, svc.Name)
	}
	return nil
}

// completeFile runs when no service is outstanding: cache the file's
// aggregate score, clean per-file state, and - when the whole submission
// is done - poke the submission loop to finalize.
func (d *Dispatcher) completeFile(dt *DispatchHash, task *FileTask, sub *cmn.Submission, score, errCount int, nowUnix int64) error {
	sha := task.FileInfo.SHA256

	key := sub.Params.CreateFileScoreKey(sha)
	err := d.ds.FileScores().Save(key, &datastore.FileScore{
		PSID:     sub.Params.PSID,
		ExpiryTS: sub.ExpiryTS,
		Score:    score,
		Errors:   errCount,
		SID:      sub.SID,
		Time:     nowUnix,
	})
	if err != nil {
		return err
	}

	if err := d.st.Set(TagSetName(task.SID, sha), 0).Delete(); err != nil {
		return err
	}
	if err := d.st.Hash(SubmissionTagsName(task.ParentHash, sha)).Delete(); err != nil {
		return err
	}

	nlog.Debugf("finished: %s/%s", sub.SID, sha)
	d.tracker.IncFilesComplete()

	done, err := dt.AllFinished()
	if err != nil {
		return err
	}
	if done {
		payload, err := js.Marshal(&SubmissionMessage{SID: sub.SID})
		if err != nil {
			return err
		}
		return d.submissionQueue.Push(payload)
	}
	return nil
}

// schedule returns the cached stage list for the file, computing and
// caching it on first sight. The cache is write-once per (sid, sha):
// recomputing mid-submission would break reproducibility if the service
// catalog changed underneath.
func (d *Dispatcher) schedule(dt *DispatchHash, sub *cmn.Submission, sha256, fileType string) ([][]string, error) {
	stages, ok, err := dt.ScheduleGet(sha256)
	if err != nil {
		return nil, err
	}
	if ok {
		return stages, nil
	}
	stages = d.scheduler.BuildSchedule(sub, fileType)
	if _, err := dt.ScheduleSetIfAbsent(sha256, stages); err != nil {
		return nil, err
	}
	// A concurrent worker may have won the race; re-read.
	stages, _, err = dt.ScheduleGet(sha256)
	return stages, err
}

// buildServiceConfig merges the service's parameter defaults with the
// submission's per-service overrides.
func buildServiceConfig(svc *cmn.Service, sub *cmn.Submission) map[string]any {
	params := svc.DefaultParams()
	for name, value := range sub.Params.ServiceSpec[svc.Name] {
		params[name] = value
	}
	return params
}

// depthResolver computes min-over-parent-paths depth from any root,
// memoized; the hop bound makes the (logically impossible) cycle case
// terminate at the extraction limit.
type depthResolver struct {
	parents map[string][]string
	limit   int
	memo    map[string]int
}

func newDepthResolver(parents map[string][]string, limit int) *depthResolver {
	return &depthResolver{parents: parents, limit: limit, memo: make(map[string]int, len(parents))}
}

func (r *depthResolver) depth(sha256 string) int { return r.resolve(sha256, 0) }

func (r *depthResolver) resolve(sha256 string, hops int) int {
	if hops > r.limit {
		return r.limit
	}
	if d, ok := r.memo[sha256]; ok {
		return d
	}
	parents := r.parents[sha256]
	if len(parents) == 0 {
		r.memo[sha256] = 0
		return 0
	}
	min := r.limit
	for _, parent := range parents {
		if d := r.resolve(parent, hops+1) + 1; d < min {
			min = d
		}
	}
	r.memo[sha256] = min
	return min
}
