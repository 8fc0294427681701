// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"sort"
	"sync"
	"time"

	"github.com/NVIDIA/aiscan/cmn/mono"
	"github.com/NVIDIA/aiscan/cmn/nlog"
)

// Action runs at its scheduled time and returns the interval until its
// next invocation; returning UnregInterval removes it.
type Action func() time.Duration

const UnregInterval = time.Duration(-1)

type (
	timedAction struct {
		name string
		f    Action
		at   int64 // mono-nanos deadline
	}
	housekeeper struct {
		mu      sync.Mutex
		actions []*timedAction
		timer   *time.Timer
		stopCh  chan struct{}
		running bool
	}
)

var DefaultHK = &housekeeper{stopCh: make(chan struct{})}

func Reg(name string, f Action, interval time.Duration) { DefaultHK.reg(name, f, interval) }
func Unreg(name string)                                 { DefaultHK.unreg(name) }

func (hk *housekeeper) reg(name string, f Action, interval time.Duration) {
	hk.mu.Lock()
	hk.actions = append(hk.actions, &timedAction{name: name, f: f, at: mono.NanoTime() + int64(interval)})
	hk.sortLocked()
	hk.mu.Unlock()
	hk.kick()
}

func (hk *housekeeper) unreg(name string) {
	hk.mu.Lock()
	for i, action := range hk.actions {
		if action.name == name {
			hk.actions = append(hk.actions[:i], hk.actions[i+1:]...)
			break
		}
	}
	hk.mu.Unlock()
}

func (hk *housekeeper) sortLocked() {
	sort.Slice(hk.actions, func(i, j int) bool { return hk.actions[i].at < hk.actions[j].at })
}

func (hk *housekeeper) kick() {
	hk.mu.Lock()
	if hk.timer != nil {
		hk.timer.Reset(0)
	}
	hk.mu.Unlock()
}

// Run executes due actions until Stop; one goroutine per process.
func (hk *housekeeper) Run() {
	hk.mu.Lock()
	if hk.running {
		hk.mu.Unlock()
		return
	}
	hk.running = true
	// fire immediately to pick up anything registered before Run
	hk.timer = time.NewTimer(0)
	hk.mu.Unlock()
	for {
		select {
		case <-hk.stopCh:
			hk.timer.Stop()
			return
		case <-hk.timer.C:
			hk.runDue()
		}
	}
}

func (hk *housekeeper) Stop() { close(hk.stopCh) }

func (hk *housekeeper) runDue() {
	for {
		hk.mu.Lock()
		if len(hk.actions) == 0 {
			hk.timer.Reset(time.Hour)
			hk.mu.Unlock()
			return
		}
		next := hk.actions[0]
		now := mono.NanoTime()
		if next.at > now {
			hk.timer.Reset(time.Duration(next.at - now))
			hk.mu.Unlock()
			return
		}
		hk.mu.Unlock()

		interval := invoke(next)

		hk.mu.Lock()
		if interval == UnregInterval {
			for i, action := range hk.actions {
				if action == next {
					hk.actions = append(hk.actions[:i], hk.actions[i+1:]...)
					break
				}
			}
		} else {
			next.at = mono.NanoTime() + int64(interval)
			hk.sortLocked()
		}
		hk.mu.Unlock()
	}
}

func invoke(action *timedAction) (interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("hk: action %q panicked: %v", action.name, r)
			interval = time.Minute
		}
	}()
	return action.f()
}
