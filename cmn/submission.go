// Package cmn provides common constants, types, and utilities for the aiscan dispatcher
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"sort"
	"strconv"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
)

// Submission states
const (
	StateSubmitted = "submitted"
	StateCompleted = "completed"
)

type (
	// FileRef names one root file of a submission.
	FileRef struct {
		Name   string `json:"name"`
		SHA256 string `json:"sha256"`
	}

	ServiceSelection struct {
		// Service or category names; empty Selected means "all enabled".
		Selected []string `json:"selected"`
		Excluded []string `json:"excluded"`
	}

	SubmissionParams struct {
		Services        ServiceSelection          `json:"services"`
		ServiceSpec     map[string]map[string]any `json:"service_spec"`
		MaxExtracted    int                       `json:"max_extracted"`
		IgnoreFiltering bool                      `json:"ignore_filtering"`
		Classification  string                    `json:"classification"`
		QuotaItem       bool                      `json:"quota_item"`
		Submitter       string                    `json:"submitter"`
		PSID            string                    `json:"psid"`
	}

	SubmissionTimes struct {
		Submitted string `json:"submitted"`
		Completed string `json:"completed"`
	}

	// Submission is a user-level request to analyze a set of files.
	// The dispatcher fills in the roll-up fields on finalization.
	Submission struct {
		SID            string           `json:"sid"`
		Files          []FileRef        `json:"files"`
		Params         SubmissionParams `json:"params"`
		ExpiryTS       string           `json:"expiry_ts"`
		Classification string           `json:"classification"`
		ErrorCount     int              `json:"error_count"`
		Errors         []string         `json:"errors"`
		FileCount      int              `json:"file_count"`
		Results        []string         `json:"results"`
		MaxScore       int              `json:"max_score"`
		State          string           `json:"state"`
		Times          SubmissionTimes  `json:"times"`
	}
)

// CreateFileScoreKey derives the stable cache key for one file analyzed
// under these parameters: same file, same parameters - same key.
func (p *SubmissionParams) CreateFileScoreKey(sha256 string) string {
	h := xxhash.New64()
	h.WriteString(sha256)

	selected := append([]string(nil), p.Services.Selected...)
	excluded := append([]string(nil), p.Services.Excluded...)
	sort.Strings(selected)
	sort.Strings(excluded)
	for _, name := range selected {
		h.WriteString("+" + name)
	}
	for _, name := range excluded {
		h.WriteString("-" + name)
	}

	specNames := make([]string, 0, len(p.ServiceSpec))
	for name := range p.ServiceSpec {
		specNames = append(specNames, name)
	}
	sort.Strings(specNames)
	for _, name := range specNames {
		spec, _ := jsoniter.Marshal(p.ServiceSpec[name])
		h.WriteString("@" + name + ":")
		h.Write(spec)
	}

	if p.IgnoreFiltering {
		h.WriteString("!f")
	}
	h.WriteString("#" + strconv.Itoa(p.MaxExtracted))
	return sha256[:16] + "v" + strconv.FormatUint(h.Sum64(), 16)
}
