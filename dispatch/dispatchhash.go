// Package dispatch implements the file-analysis dispatcher.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/aiscan/cmn/cos"
	"github.com/NVIDIA/aiscan/cmn/debug"
	"github.com/NVIDIA/aiscan/store"
	"github.com/pkg/errors"
)

// FinishRecord buckets
const (
	BucketResult = "result"
	BucketError  = "error"
)

// test hook: every timestamp the dispatcher reads or writes flows
// through here
var now = time.Now

type (
	// FinishRecord is the terminal state of one (file, service) pair,
	// written by the service worker that completed it.
	FinishRecord struct {
		Bucket         string `json:"bucket"`
		Key            string `json:"key"`
		Score          int    `json:"score"`
		Drop           bool   `json:"drop"`
		Classification string `json:"classification"`
	}

	// DispatchHash is the per-submission shared coordination record:
	// cached schedules, per-(file, service) dispatch timestamps and
	// finish records, and the set of admitted files. Every operation is
	// idempotent and safe under concurrent workers.
	DispatchHash struct {
		sid        string
		schedules  store.Hash
		dispatched store.Hash
		finished   store.Hash
		files      store.Set
	}
)

func (r *FinishRecord) IsError() bool { return r.Bucket == BucketError }

func NewDispatchHash(sid string, st store.Store) *DispatchHash {
	debug.Assert(sid != "")
	prefix := "dispatch-hash-" + sid
	return &DispatchHash{
		sid:        sid,
		schedules:  st.Hash(prefix + "-schedules"),
		dispatched: st.Hash(prefix + "-dispatched"),
		finished:   st.Hash(prefix + "-finished"),
		files:      st.Set(prefix+"-files", 0),
	}
}

// sha256 is fixed-width hex, so "/" splits unambiguously
func pairKey(sha256, service string) string { return sha256 + "/" + service }

// ScheduleGet reads the cached schedule for the file.
func (dh *DispatchHash) ScheduleGet(sha256 string) ([][]string, bool, error) {
	data, err := dh.schedules.Get(sha256)
	if cos.IsErrNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stages [][]string
	if err := js.Unmarshal(data, &stages); err != nil {
		return nil, false, errors.Wrapf(err, "corrupt schedule for %s/%s", dh.sid, sha256)
	}
	return stages, true, nil
}

// ScheduleSetIfAbsent caches the schedule write-once; the first writer
// wins and subsequent reads are authoritative.
func (dh *DispatchHash) ScheduleSetIfAbsent(sha256 string, stages [][]string) (bool, error) {
	data, err := js.Marshal(stages)
	if err != nil {
		return false, err
	}
	return dh.schedules.SetIfAbsent(sha256, data)
}

// ScheduleSet overwrites the cached schedule; used only to truncate it
// after a drop result.
func (dh *DispatchHash) ScheduleSet(sha256 string, stages [][]string) error {
	data, err := js.Marshal(stages)
	if err != nil {
		return err
	}
	return dh.schedules.Set(sha256, data)
}

// DispatchTime returns the unix time of the most recent dispatch of the
// pair, or 0 if it was never dispatched.
func (dh *DispatchHash) DispatchTime(sha256, service string) (int64, error) {
	data, err := dh.dispatched.Get(pairKey(sha256, service))
	if cos.IsErrNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt dispatch time for %s/%s", dh.sid, sha256)
	}
	return ts, nil
}

// Dispatch stamps the pair as dispatched now.
func (dh *DispatchHash) Dispatch(sha256, service string) error {
	return dh.dispatched.Set(pairKey(sha256, service), []byte(strconv.FormatInt(now().Unix(), 10)))
}

// Finished returns the finish record, or nil if the pair is still
// outstanding.
func (dh *DispatchHash) Finished(sha256, service string) (*FinishRecord, error) {
	data, err := dh.finished.Get(pairKey(sha256, service))
	if cos.IsErrNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := &FinishRecord{}
	if err := js.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrapf(err, "corrupt finish record for %s/%s", dh.sid, sha256)
	}
	return rec, nil
}

// Finish records the terminal state of the pair. Write-once: a recorded
// finish is never replaced. Called by service workers, not the
// dispatcher.
func (dh *DispatchHash) Finish(sha256, service string, rec *FinishRecord) (bool, error) {
	data, err := js.Marshal(rec)
	if err != nil {
		return false, err
	}
	return dh.finished.SetIfAbsent(pairKey(sha256, service), data)
}

// AddFile admits the file while the submission is under its extraction
// budget; reports true when admitted or already admitted.
func (dh *DispatchHash) AddFile(sha256 string, maxFiles int) (bool, error) {
	return dh.files.AddCapped(sha256, maxFiles)
}

// FileCount returns the number of admitted files.
func (dh *DispatchHash) FileCount() (int, error) { return dh.files.Len() }

// AllResults snapshots every finish record, keyed sha256 -> service.
func (dh *DispatchHash) AllResults() (map[string]map[string]*FinishRecord, error) {
	raw, err := dh.finished.GetAll()
	if err != nil {
		return nil, err
	}
	all := make(map[string]map[string]*FinishRecord, 8)
	for field, data := range raw {
		parts := strings.SplitN(field, "/", 2)
		if len(parts) != 2 {
			continue
		}
		rec := &FinishRecord{}
		if err := js.Unmarshal(data, rec); err != nil {
			return nil, errors.Wrapf(err, "corrupt finish record %s/%s", dh.sid, field)
		}
		if all[parts[0]] == nil {
			all[parts[0]] = make(map[string]*FinishRecord, 4)
		}
		all[parts[0]][parts[1]] = rec
	}
	return all, nil
}

// AllFinished reports whether every admitted file has a finish record
// for every service in every stage of its cached schedule.
func (dh *DispatchHash) AllFinished() (bool, error) {
	admitted, err := dh.files.Members()
	if err != nil {
		return false, err
	}
	for _, sha256 := range admitted {
		stages, ok, err := dh.ScheduleGet(sha256)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		for _, stage := range stages {
			for _, service := range stage {
				rec, err := dh.Finished(sha256, service)
				if err != nil {
					return false, err
				}
				if rec == nil {
					return false, nil
				}
			}
		}
	}
	return true, nil
}

// Delete purges all coordination state for the submission.
func (dh *DispatchHash) Delete() error {
	for _, h := range []store.Hash{dh.schedules, dh.dispatched, dh.finished} {
		if err := h.Delete(); err != nil {
			return err
		}
	}
	return dh.files.Delete()
}
