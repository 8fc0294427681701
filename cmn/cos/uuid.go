// Package cos provides common low-level types and utilities for all aiscan packages
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"os"
	"strconv"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// Alphabet for generating UUIDs - the same 64 symbols as
// shortid.DefaultABC, in a different order.
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	sid     *shortid.Shortid
	sidOnce sync.Once
)

// InitShortID seeds the generator once; later calls are no-ops. GenUUID
// calls it with a zero seed if it has not run yet. A zero seed derives
// one from the host name and process id.
func InitShortID(seed uint64) {
	sidOnce.Do(func() {
		if seed == 0 {
			hostname, _ := os.Hostname()
			seed = xxhash.Checksum64([]byte(hostname + "/" + strconv.Itoa(os.Getpid())))
		}
		sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
	})
}

// GenUUID generates a unique, URL-friendly identifier (submission IDs et al.).
func GenUUID() string {
	InitShortID(0)
	return sid.MustGenerate()
}
