// Package dispatch implements the file-analysis dispatcher.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"regexp"
	"sort"
	"sync"

	"github.com/NVIDIA/aiscan/cmn"
	"github.com/NVIDIA/aiscan/cmn/mono"
	"github.com/NVIDIA/aiscan/cmn/nlog"
	"github.com/NVIDIA/aiscan/datastore"
)

type (
	svcEntry struct {
		*cmn.Service
		accepts *regexp.Regexp // nil: any type
		rejects *regexp.Regexp // nil: reject none
		invalid bool           // unusable pattern; never scheduled
	}

	// Scheduler computes per-file execution plans from the service
	// catalog, the submission parameters, and the file type. The catalog
	// snapshot refreshes periodically; within one snapshot scheduling is
	// a pure function.
	Scheduler struct {
		ds     datastore.Datastore
		config *cmn.Config

		mu      sync.Mutex
		catalog map[string]*svcEntry
		fetched int64 // mono-nanos of last refresh
	}
)

func NewScheduler(ds datastore.Datastore, config *cmn.Config) *Scheduler {
	return &Scheduler{ds: ds, config: config}
}

// anchored-at-start match, per the service descriptor contract
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`\A(?:` + pattern + `)`)
}

func (s *Scheduler) services() map[string]*svcEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog != nil && mono.Since(s.fetched) < s.config.Dispatcher.ServiceRefresh() {
		return s.catalog
	}
	listed, err := s.ds.Services().List()
	if err != nil {
		nlog.Errorf("failed to refresh service catalog: %v", err)
		if s.catalog != nil {
			return s.catalog // keep serving the stale snapshot
		}
		listed = nil
	}
	catalog := make(map[string]*svcEntry, len(listed))
	for _, svc := range listed {
		entry := &svcEntry{Service: svc}
		if svc.Accepts != "" {
			if entry.accepts, err = compileAnchored(svc.Accepts); err != nil {
				nlog.Warningf("service %s: bad accepts pattern %q: %v", svc.Name, svc.Accepts, err)
				entry.invalid = true
			}
		}
		if svc.Rejects != "" {
			if entry.rejects, err = compileAnchored(svc.Rejects); err != nil {
				nlog.Warningf("service %s: bad rejects pattern %q: %v", svc.Name, svc.Rejects, err)
				entry.invalid = true
			}
		}
		catalog[svc.Name] = entry
	}
	s.catalog = catalog
	s.fetched = mono.NanoTime()
	return catalog
}

// Service returns the catalog descriptor by name.
func (s *Scheduler) Service(name string) (*cmn.Service, bool) {
	if entry, ok := s.services()[name]; ok {
		return entry.Service, true
	}
	return nil, false
}

// ExpandCategories replaces category names with their member services;
// plain service names pass through. Duplicates are removed.
func (s *Scheduler) ExpandCategories(names []string) []string {
	catalog := s.services()
	categories := make(map[string][]string, 8)
	for _, entry := range catalog {
		categories[entry.Category] = append(categories[entry.Category], entry.Name)
	}

	var (
		worklist = append([]string(nil), names...)
		seen     = make(map[string]struct{}, len(names))
		found    = make(map[string]struct{}, len(names))
	)
	for len(worklist) > 0 {
		name := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if members, ok := categories[name]; ok {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				worklist = append(worklist, members...)
			}
			continue
		}
		found[name] = struct{}{}
	}

	services := make([]string, 0, len(found))
	for name := range found {
		services = append(services, name)
	}
	sort.Strings(services)
	return services
}

// BuildSchedule computes the ordered stages of service names applicable
// to one file under one submission's parameters.
func (s *Scheduler) BuildSchedule(sub *cmn.Submission, fileType string) [][]string {
	catalog := s.services()

	excluded := make(map[string]struct{})
	for _, name := range s.ExpandCategories(sub.Params.Services.Excluded) {
		excluded[name] = struct{}{}
	}

	var selected []string
	if len(sub.Params.Services.Selected) == 0 {
		selected = make([]string, 0, len(catalog))
		for name := range catalog {
			selected = append(selected, name)
		}
	} else {
		selected = s.ExpandCategories(sub.Params.Services.Selected)
	}

	// System services are always scheduled and cannot be excluded.
	candidates := make(map[string]struct{}, len(selected))
	for _, name := range selected {
		if _, out := excluded[name]; !out {
			candidates[name] = struct{}{}
		}
	}
	for name, entry := range catalog {
		if entry.Category == cmn.SystemCategory {
			candidates[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	sort.Strings(names)

	stageNames := s.config.Dispatcher.Stages
	stages := make([][]string, len(stageNames))
	for _, name := range names {
		entry, ok := catalog[name]
		if !ok {
			nlog.Warningf("service configuration not found: %s", name)
			continue
		}
		if entry.invalid {
			continue
		}
		accepted := entry.accepts == nil || entry.accepts.MatchString(fileType)
		rejected := entry.rejects != nil && entry.rejects.MatchString(fileType)
		if !accepted || rejected {
			continue
		}
		idx := stageIndex(stageNames, entry.Stage)
		if idx < 0 {
			nlog.Warningf("service %s declares unknown stage %q", name, entry.Stage)
			continue
		}
		stages[idx] = append(stages[idx], name)
	}
	return stages
}

func stageIndex(stages []string, stage string) int {
	for i, name := range stages {
		if name == stage {
			return i
		}
	}
	return -1
}
