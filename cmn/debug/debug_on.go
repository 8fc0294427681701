//go:build debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"

	"github.com/NVIDIA/aiscan/cmn/nlog"
)

func ON() bool { return true }

func Assert(cond bool, a ...any) {
	if !cond {
		fail(fmt.Sprint(a...))
	}
}

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		fail(fmt.Sprintf(f, a...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func AssertFunc(f func() bool, a ...any) { Assert(f(), a...) }

func Infof(f string, a ...any) { nlog.Infof("[DEBUG] "+f, a...) }

func fail(msg string) {
	if msg == "" {
		msg = "assertion failed"
	}
	nlog.Errorln(msg)
	os.Stderr.Sync()
	panic(msg)
}
