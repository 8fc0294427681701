// Package store abstracts the shared in-memory store the dispatcher
// workers coordinate through: named queues, hashes, expiring sets, and
// counters. Any backend providing these capabilities will do; the buntdb
// implementation below is the stock one.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package store

import "time"

type (
	// Queue is a named FIFO. Pop returns (nil, nil) on timeout.
	Queue interface {
		Push(payload []byte) error
		Pop(timeout time.Duration) ([]byte, error)
		Len() int
	}

	// Hash is a named field->value map. All single-field operations are
	// atomic with respect to concurrent callers.
	Hash interface {
		Set(field string, value []byte) error
		// SetIfAbsent writes only when the field is unset; reports whether
		// the write happened.
		SetIfAbsent(field string, value []byte) (bool, error)
		Get(field string) ([]byte, error) // cos.ErrNotFound when unset
		GetAll() (map[string][]byte, error)
		Exists(field string) (bool, error)
		Del(field string) error
		// Pop returns and removes the field.
		Pop(field string) ([]byte, error)
		Len() (int, error)
		// Delete removes the hash and all its fields.
		Delete() error
	}

	// Set is a named string set.
	Set interface {
		Add(members ...string) error
		// AddCapped admits the member only while the set holds fewer than
		// cap members; reports true when admitted or already present.
		AddCapped(member string, limit int) (bool, error)
		Members() ([]string, error)
		Len() (int, error)
		Delete() error
	}

	// Counter is a named monotonic metric counter.
	Counter interface {
		Inc(delta int64) (int64, error)
		Value() (int64, error)
	}

	// Store hands out the named primitives. Structures with a non-zero TTL
	// expire that long after their last write.
	Store interface {
		Queue(name string) Queue
		Hash(name string) Hash
		ExpiringHash(name string, ttl time.Duration) Hash
		Set(name string, ttl time.Duration) Set
		Counter(name string) Counter
		Close() error
	}
)
