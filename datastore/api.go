// Package datastore defines the metadata collections the dispatcher reads
// and writes: files, submissions, services, results, and the file-score
// cache. The document store behind them is deployment-specific.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package datastore

import "github.com/NVIDIA/aiscan/cmn"

type (
	// ExtractedFile is one artifact a service pulled out of the file it
	// analyzed.
	ExtractedFile struct {
		Name   string `json:"name"`
		SHA256 string `json:"sha256"`
	}

	// Result is the stored outcome of one (file, service) run.
	Result struct {
		Classification string          `json:"classification"`
		Score          int             `json:"score"`
		Drop           bool            `json:"drop"`
		Extracted      []ExtractedFile `json:"extracted"`
	}

	// FileScore caches the aggregate outcome of one file under one set of
	// submission parameters, so resubmissions can short-circuit.
	FileScore struct {
		PSID     string `json:"psid"`
		ExpiryTS string `json:"expiry_ts"`
		Score    int    `json:"score"`
		Errors   int    `json:"errors"`
		SID      string `json:"sid"`
		Time     int64  `json:"time"`
	}

	Files interface {
		// Get returns the cached metadata, or cos.ErrNotFound.
		Get(sha256 string) (*cmn.FileInfo, error)
	}

	Submissions interface {
		Get(sid string) (*cmn.Submission, error)
		Save(sid string, sub *cmn.Submission) error
	}

	Results interface {
		Get(key string) (*Result, error)
	}

	Services interface {
		// List returns the enabled-service catalog.
		List() ([]*cmn.Service, error)
	}

	FileScores interface {
		Save(key string, fscore *FileScore) error
	}

	Datastore interface {
		Files() Files
		Submissions() Submissions
		Results() Results
		Services() Services
		FileScores() FileScores
	}
)
