// Package dispatch implements the file-analysis dispatcher.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"sort"

	"github.com/NVIDIA/aiscan/cmn"
	"github.com/NVIDIA/aiscan/cmn/cos"
	"github.com/NVIDIA/aiscan/cmn/nlog"
)

// finalizeSubmission runs once every service for every file has finished
// or failed: roll up results, persist the completed submission, notify
// whoever is waiting, and flush the working state from the store.
func (d *Dispatcher) finalizeSubmission(task *SubmissionTask, classifications []string, maxScore, fileCount int) error {
	sub := task.Submission
	sid := sub.SID

	// Release the quota hold.
	if sub.Params.QuotaItem && sub.Params.Submitter != "" {
		nlog.Infof("submission %s no longer counts toward quota for %s", sid, sub.Params.Submitter)
		if _, err := d.st.Hash(quotaHashName(sub.Params.Submitter)).Pop(sid); err != nil && !cos.IsErrNotFound(err) {
			return err
		}
	}

	// Fold in the classifications of the results produced by services.
	classification := sub.Params.Classification
	for _, c := range classifications {
		classification = d.lattice.Max(classification, c)
	}

	dt := NewDispatchHash(sid, d.st)
	all, err := dt.AllResults()
	if err != nil {
		return err
	}
	if err := dt.Delete(); err != nil {
		return err
	}

	// Sort the errors out of the results.
	var errKeys, resKeys []string
	for _, services := range all {
		for _, rec := range services {
			switch {
			case rec.IsError():
				errKeys = append(errKeys, rec.Key)
			case rec.Bucket == BucketResult:
				resKeys = append(resKeys, rec.Key)
			default:
				nlog.Warningf("unexpected service output bucket: %s/%s", rec.Bucket, rec.Key)
			}
		}
	}
	sort.Strings(errKeys)
	sort.Strings(resKeys)

	sub.Classification = classification
	sub.ErrorCount = len(errKeys)
	sub.Errors = errKeys
	sub.FileCount = fileCount
	sub.Results = resKeys
	sub.MaxScore = maxScore // 0 when no scoring result was recorded
	sub.State = cmn.StateCompleted
	sub.Times.Completed = cos.NowISO()
	if err := d.ds.Submissions().Save(sid, sub); err != nil {
		return err
	}

	if task.CompletedQueue != "" {
		payload, err := js.Marshal(sub)
		if err != nil {
			return err
		}
		if err := d.st.Queue(task.CompletedQueue).Push(payload); err != nil {
			return err
		}
	}

	// Send the completion signal to any watchers.
	watcherList := d.st.Set(WatcherListName(sid), watcherListTTL)
	members, err := watcherList.Members()
	if err != nil {
		return err
	}
	if len(members) > 0 {
		payload, err := js.Marshal(&WatchQueueMessage{Status: watchStatusStop})
		if err != nil {
			return err
		}
		for _, queue := range members {
			if err := d.st.Queue(queue).Push(payload); err != nil {
				return err
			}
		}
	}
	if err := watcherList.Delete(); err != nil {
		return err
	}

	if err := d.watch.Clear(sid); err != nil {
		return err
	}
	if err := d.activeTasks.Del(sid); err != nil {
		return err
	}
	d.tracker.IncSubmissionsComplete()
	nlog.Debugf("finished submission %s for %s", sid, sub.Params.Submitter)
	return nil
}
