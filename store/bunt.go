// Package store abstracts the shared in-memory store the dispatcher
// workers coordinate through.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/aiscan/cmn/cos"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// InMemoryPath opens a transient, process-local database.
const InMemoryPath = ":memory:"

// Key layout: "h/<hash>/<field>", "s/<set>/<member>", "c/<counter>".
const (
	hashPrefix    = "h/"
	setPrefix     = "s/"
	counterPrefix = "c/"
)

type (
	buntStore struct {
		db *buntdb.DB

		qmu    sync.Mutex
		queues map[string]*memQueue
	}
	buntHash struct {
		db   *buntdb.DB
		name string
		ttl  time.Duration
	}
	buntSet struct {
		db   *buntdb.DB
		name string
		ttl  time.Duration
	}
	buntCounter struct {
		db   *buntdb.DB
		name string
	}
)

// interface guards
var (
	_ Store   = (*buntStore)(nil)
	_ Hash    = (*buntHash)(nil)
	_ Set     = (*buntSet)(nil)
	_ Counter = (*buntCounter)(nil)
)

// NewBuntStore opens (or creates) the backing buntdb database.
// Use InMemoryPath for tests and single-process runs.
func NewBuntStore(path string) (Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open store %q", path)
	}
	return &buntStore{db: db, queues: make(map[string]*memQueue, 16)}, nil
}

func (s *buntStore) Queue(name string) Queue {
	s.qmu.Lock()
	q, ok := s.queues[name]
	if !ok {
		q = newMemQueue(name)
		s.queues[name] = q
	}
	s.qmu.Unlock()
	return q
}

func (s *buntStore) Hash(name string) Hash { return &buntHash{db: s.db, name: name} }

func (s *buntStore) ExpiringHash(name string, ttl time.Duration) Hash {
	return &buntHash{db: s.db, name: name, ttl: ttl}
}

func (s *buntStore) Set(name string, ttl time.Duration) Set {
	return &buntSet{db: s.db, name: name, ttl: ttl}
}

func (s *buntStore) Counter(name string) Counter { return &buntCounter{db: s.db, name: name} }

func (s *buntStore) Close() error { return s.db.Close() }

//////////////
// buntHash //
//////////////

func (h *buntHash) key(field string) string { return hashPrefix + h.name + "/" + field }

func (h *buntHash) opts() *buntdb.SetOptions {
	if h.ttl <= 0 {
		return nil
	}
	return &buntdb.SetOptions{Expires: true, TTL: h.ttl}
}

func (h *buntHash) Set(field string, value []byte) error {
	err := h.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(h.key(field), string(value), h.opts())
		return err
	})
	return errors.Wrapf(err, "hash %s: set %s", h.name, field)
}

func (h *buntHash) SetIfAbsent(field string, value []byte) (set bool, _ error) {
	err := h.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(h.key(field)); err == nil {
			return nil
		} else if err != buntdb.ErrNotFound {
			return err
		}
		_, _, err := tx.Set(h.key(field), string(value), h.opts())
		set = err == nil
		return err
	})
	return set, errors.Wrapf(err, "hash %s: setnx %s", h.name, field)
}

func (h *buntHash) Get(field string) (value []byte, _ error) {
	err := h.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(h.key(field))
		if err != nil {
			return err
		}
		value = []byte(v)
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, cos.NewErrNotFound("hash %s: field %s", h.name, field)
	}
	return value, errors.Wrapf(err, "hash %s: get %s", h.name, field)
}

func (h *buntHash) GetAll() (map[string][]byte, error) {
	all := make(map[string][]byte)
	prefix := hashPrefix + h.name + "/"
	err := h.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			all[strings.TrimPrefix(key, prefix)] = []byte(value)
			return true
		})
	})
	return all, errors.Wrapf(err, "hash %s: getall", h.name)
}

func (h *buntHash) Exists(field string) (bool, error) {
	_, err := h.Get(field)
	if err == nil {
		return true, nil
	}
	if cos.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (h *buntHash) Del(field string) error {
	err := h.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(h.key(field))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	return errors.Wrapf(err, "hash %s: del %s", h.name, field)
}

func (h *buntHash) Pop(field string) (value []byte, _ error) {
	err := h.db.Update(func(tx *buntdb.Tx) error {
		v, err := tx.Delete(h.key(field))
		if err != nil {
			return err
		}
		value = []byte(v)
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, cos.NewErrNotFound("hash %s: field %s", h.name, field)
	}
	return value, errors.Wrapf(err, "hash %s: pop %s", h.name, field)
}

func (h *buntHash) Len() (int, error) {
	all, err := h.GetAll()
	return len(all), err
}

func (h *buntHash) Delete() error {
	return deleteByPrefix(h.db, hashPrefix+h.name+"/")
}

/////////////
// buntSet //
/////////////

func (s *buntSet) key(member string) string { return setPrefix + s.name + "/" + member }

func (s *buntSet) opts() *buntdb.SetOptions {
	if s.ttl <= 0 {
		return nil
	}
	return &buntdb.SetOptions{Expires: true, TTL: s.ttl}
}

func (s *buntSet) Add(members ...string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		for _, member := range members {
			if _, _, err := tx.Set(s.key(member), "1", s.opts()); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "set %s: add", s.name)
}

func (s *buntSet) AddCapped(member string, limit int) (added bool, _ error) {
	prefix := setPrefix + s.name + "/"
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(s.key(member)); err == nil {
			added = true // already admitted
			return nil
		} else if err != buntdb.ErrNotFound {
			return err
		}
		var size int
		if err := tx.AscendKeys(prefix+"*", func(string, string) bool {
			size++
			return true
		}); err != nil {
			return err
		}
		if size >= limit {
			return nil
		}
		_, _, err := tx.Set(s.key(member), "1", s.opts())
		added = err == nil
		return err
	})
	return added, errors.Wrapf(err, "set %s: add-capped %s", s.name, member)
}

func (s *buntSet) Members() (members []string, _ error) {
	prefix := setPrefix + s.name + "/"
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			members = append(members, strings.TrimPrefix(key, prefix))
			return true
		})
	})
	return members, errors.Wrapf(err, "set %s: members", s.name)
}

func (s *buntSet) Len() (int, error) {
	members, err := s.Members()
	return len(members), err
}

func (s *buntSet) Delete() error {
	return deleteByPrefix(s.db, setPrefix+s.name+"/")
}

/////////////////
// buntCounter //
/////////////////

func (c *buntCounter) Inc(delta int64) (value int64, _ error) {
	key := counterPrefix + c.name
	err := c.db.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(key)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if cur != "" {
			if value, err = strconv.ParseInt(cur, 10, 64); err != nil {
				return err
			}
		}
		value += delta
		_, _, err = tx.Set(key, strconv.FormatInt(value, 10), nil)
		return err
	})
	return value, errors.Wrapf(err, "counter %s: inc", c.name)
}

func (c *buntCounter) Value() (value int64, _ error) {
	err := c.db.View(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(counterPrefix + c.name)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = strconv.ParseInt(cur, 10, 64)
		return err
	})
	return value, errors.Wrapf(err, "counter %s: value", c.name)
}

// deleteByPrefix removes every key under the prefix. buntdb forbids
// mutations during iteration, hence collect-then-delete.
func deleteByPrefix(db *buntdb.DB, prefix string) error {
	return db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if err := tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}
