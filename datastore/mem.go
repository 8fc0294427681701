// Package datastore defines the metadata collections the dispatcher reads
// and writes.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package datastore

import (
	"sync"

	"github.com/NVIDIA/aiscan/cmn"
	"github.com/NVIDIA/aiscan/cmn/cos"
)

type (
	// Mem is a map-backed Datastore for tests and single-node runs.
	Mem struct {
		mu         sync.RWMutex
		files      map[string]*cmn.FileInfo
		subs       map[string]*cmn.Submission
		results    map[string]*Result
		services   map[string]*cmn.Service
		filescores map[string]*FileScore
	}

	memFiles      struct{ m *Mem }
	memSubs       struct{ m *Mem }
	memResults    struct{ m *Mem }
	memServices   struct{ m *Mem }
	memFileScores struct{ m *Mem }
)

// interface guards
var (
	_ Datastore   = (*Mem)(nil)
	_ Files       = (*memFiles)(nil)
	_ Submissions = (*memSubs)(nil)
	_ Results     = (*memResults)(nil)
	_ Services    = (*memServices)(nil)
	_ FileScores  = (*memFileScores)(nil)
)

func NewMem() *Mem {
	return &Mem{
		files:      make(map[string]*cmn.FileInfo),
		subs:       make(map[string]*cmn.Submission),
		results:    make(map[string]*Result),
		services:   make(map[string]*cmn.Service),
		filescores: make(map[string]*FileScore),
	}
}

func (m *Mem) Files() Files             { return &memFiles{m} }
func (m *Mem) Submissions() Submissions { return &memSubs{m} }
func (m *Mem) Results() Results         { return &memResults{m} }
func (m *Mem) Services() Services       { return &memServices{m} }
func (m *Mem) FileScores() FileScores   { return &memFileScores{m} }

func (f *memFiles) Get(sha256 string) (*cmn.FileInfo, error) {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	if fi, ok := f.m.files[sha256]; ok {
		return fi, nil
	}
	return nil, cos.NewErrNotFound("file %s", sha256)
}

func (s *memSubs) Get(sid string) (*cmn.Submission, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if sub, ok := s.m.subs[sid]; ok {
		return sub, nil
	}
	return nil, cos.NewErrNotFound("submission %s", sid)
}

func (s *memSubs) Save(sid string, sub *cmn.Submission) error {
	s.m.mu.Lock()
	s.m.subs[sid] = sub
	s.m.mu.Unlock()
	return nil
}

func (r *memResults) Get(key string) (*Result, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if res, ok := r.m.results[key]; ok {
		return res, nil
	}
	return nil, cos.NewErrNotFound("result %s", key)
}

func (s *memServices) List() ([]*cmn.Service, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	services := make([]*cmn.Service, 0, len(s.m.services))
	for _, svc := range s.m.services {
		if svc.Enabled {
			services = append(services, svc)
		}
	}
	return services, nil
}

func (f *memFileScores) Save(key string, fscore *FileScore) error {
	f.m.mu.Lock()
	f.m.filescores[key] = fscore
	f.m.mu.Unlock()
	return nil
}

//
// seeding and inspection (tests, local runs)
//

func (m *Mem) AddFile(fi *cmn.FileInfo) {
	m.mu.Lock()
	m.files[fi.SHA256] = fi
	m.mu.Unlock()
}

func (m *Mem) AddService(svc *cmn.Service) {
	m.mu.Lock()
	m.services[svc.Name] = svc
	m.mu.Unlock()
}

func (m *Mem) PutResult(key string, res *Result) {
	m.mu.Lock()
	m.results[key] = res
	m.mu.Unlock()
}

func (m *Mem) FileScore(key string) (*FileScore, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fscore, ok := m.filescores[key]
	return fscore, ok
}
