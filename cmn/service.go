// Package cmn provides common constants, types, and utilities for the aiscan dispatcher
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "time"

// SystemCategory marks services that are always scheduled and cannot be
// excluded by submission parameters.
const SystemCategory = "system"

type (
	// ServiceParam is one user-tunable service parameter and its default.
	ServiceParam struct {
		Name    string `json:"name"`
		Default any    `json:"default"`
	}

	// Service describes one analysis service as registered in the datastore.
	Service struct {
		Name     string `json:"name"`
		Category string `json:"category"`
		Stage    string `json:"stage"`
		// Anchored regex patterns over the file type; empty Accepts means
		// "any type", empty Rejects means "reject none".
		Accepts string `json:"accepts"`
		Rejects string `json:"rejects"`
		// Seconds; doubles as the dispatch re-issue window.
		TimeoutSec       int64          `json:"timeout"`
		Enabled          bool           `json:"enabled"`
		SubmissionParams []ServiceParam `json:"submission_params"`
	}
)

func (s *Service) Timeout() time.Duration { return time.Duration(s.TimeoutSec) * time.Second }

// DefaultParams returns the service's parameter defaults keyed by name.
func (s *Service) DefaultParams() map[string]any {
	params := make(map[string]any, len(s.SubmissionParams))
	for _, p := range s.SubmissionParams {
		params[p.Name] = p.Default
	}
	return params
}
