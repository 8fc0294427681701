// Package dispatch implements the file-analysis dispatcher: it drives
// every file of a submission through its staged schedule of services,
// coordinating with sibling workers through the shared store.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"github.com/NVIDIA/aiscan/cmn"
	"github.com/NVIDIA/aiscan/cmn/debug"
	jsoniter "github.com/json-iterator/go"
)

var js = jsoniter.ConfigFastest

// Queue and store names shared by all dispatcher workers.
const (
	SubmissionQueue  = "dispatch-submission"
	FileQueue        = "dispatch-file"
	DispatchTaskHash = "dispatch-active-tasks"
)

func ServiceQueueName(service string) string { return "service-queue-" + service }

func WatcherListName(sid string) string { return "dispatch-watcher-list-" + sid }

func TagSetName(sid, sha256 string) string { return sid + "/" + sha256 + "/tags" }

func SubmissionTagsName(parentHash, sha256 string) string { return "st/" + parentHash + "/" + sha256 }

func quotaHashName(submitter string) string { return "submissions-" + submitter }

type (
	// SubmissionTask is the in-flight envelope for one submission.
	SubmissionTask struct {
		Submission *cmn.Submission `json:"submission"`
		// Queue to notify with the finalized submission, if any.
		CompletedQueue string `json:"completed_queue"`
	}

	// FileTask is the in-flight envelope for one file of a submission.
	// Depth is recomputed on every submission walk; MaxFiles is the
	// submission's total extraction budget.
	FileTask struct {
		SID        string       `json:"sid"`
		ParentHash string       `json:"parent_hash,omitempty"`
		FileInfo   cmn.FileInfo `json:"file_info"`
		Depth      int          `json:"depth"`
		MaxFiles   int          `json:"max_files"`
	}

	// ServiceTask is what lands on a per-service queue.
	ServiceTask struct {
		SID           string       `json:"sid"`
		ServiceName   string       `json:"service_name"`
		ServiceConfig string       `json:"service_config"`
		FileInfo      cmn.FileInfo `json:"fileinfo"`
		Depth         int          `json:"depth"`
		MaxFiles      int          `json:"max_files"`
	}

	// SubmissionMessage is the minimal re-check trigger; the full task is
	// hydrated from the active-task hash.
	SubmissionMessage struct {
		SID string `json:"sid"`
	}

	// WatchQueueMessage is pushed to registered watcher queues.
	WatchQueueMessage struct {
		Status string `json:"status"`
	}
)

const watchStatusStop = "STOP"

func newFileTask(sid, parentHash string, fi *cmn.FileInfo, depth, maxFiles int) *FileTask {
	debug.Assert(fi.SHA256 != "")
	return &FileTask{
		SID:        sid,
		ParentHash: parentHash,
		FileInfo:   *fi,
		Depth:      depth,
		MaxFiles:   maxFiles,
	}
}
