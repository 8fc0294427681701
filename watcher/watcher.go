// Package watcher implements the dispatch watchdog: touch a key with a
// TTL and, should the TTL lapse before the next touch, re-deliver a
// message to a queue. Timers live in the shared store so that any
// worker's sweep can fire them.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package watcher

import (
	"time"

	"github.com/NVIDIA/aiscan/cmn/nlog"
	"github.com/NVIDIA/aiscan/hk"
	"github.com/NVIDIA/aiscan/store"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	timeoutHashName = "dispatch-watch-timeouts"
	hkName          = "watcher-sweep"

	dfltSweepEvery = 3 * time.Second
)

var js = jsoniter.ConfigFastest

// test hook
var now = time.Now

type (
	entry struct {
		Deadline int64               `json:"deadline"` // unix seconds
		Timeout  int64               `json:"timeout"`  // seconds; to re-arm after firing
		Queue    string              `json:"queue"`
		Message  jsoniter.RawMessage `json:"message"`
	}

	// Client arms, re-arms, and clears watchdog timers.
	Client struct {
		timeouts store.Hash
		st       store.Store
	}
)

func NewClient(st store.Store) *Client {
	return &Client{timeouts: st.Hash(timeoutHashName), st: st}
}

// Touch (re)arms the timer: if the key is not touched or cleared within
// the timeout, message is pushed to queue. Idempotent.
func (c *Client) Touch(key string, timeout time.Duration, queue string, message any) error {
	payload, err := js.Marshal(message)
	if err != nil {
		return errors.Wrapf(err, "watcher: bad message for %s", key)
	}
	secs := int64(timeout / time.Second)
	e := entry{
		Deadline: now().Unix() + secs,
		Timeout:  secs,
		Queue:    queue,
		Message:  payload,
	}
	data, err := js.Marshal(&e)
	if err != nil {
		return err
	}
	return c.timeouts.Set(key, data)
}

// Clear disarms the timer; clearing an unknown key is a no-op.
func (c *Client) Clear(key string) error { return c.timeouts.Del(key) }

// Sweep fires every lapsed timer: push the message, then re-arm so a
// perpetually wedged consumer keeps getting poked until somebody clears
// the key.
func (c *Client) Sweep() {
	all, err := c.timeouts.GetAll()
	if err != nil {
		nlog.Errorf("watcher: sweep failed: %v", err)
		return
	}
	nowUnix := now().Unix()
	for key, data := range all {
		var e entry
		if err := js.Unmarshal(data, &e); err != nil {
			nlog.Warningf("watcher: dropping malformed timer %q: %v", key, err)
			_ = c.timeouts.Del(key)
			continue
		}
		if e.Deadline > nowUnix {
			continue
		}
		if err := c.st.Queue(e.Queue).Push(e.Message); err != nil {
			nlog.Errorf("watcher: failed to re-deliver %q to %s: %v", key, e.Queue, err)
			continue
		}
		nlog.Debugf("watcher: re-delivered %q to %s", key, e.Queue)
		e.Deadline = nowUnix + e.Timeout
		if data, err = js.Marshal(&e); err == nil {
			_ = c.timeouts.Set(key, data)
		}
	}
}

// RegisterSweep schedules the sweep with the housekeeper.
func (c *Client) RegisterSweep() {
	hk.Reg(hkName, func() time.Duration {
		c.Sweep()
		return dfltSweepEvery
	}, dfltSweepEvery)
}
