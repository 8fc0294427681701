// Package cos provides common low-level types and utilities for all aiscan packages
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"
	"os"

	"github.com/NVIDIA/aiscan/cmn/nlog"
)

type ErrNotFound struct {
	what string
}

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// ExitLogf writes the formatted message to the log and terminates the process.
func ExitLogf(format string, a ...any) {
	nlog.Errorf(format, a...)
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func Plural(num int) (s string) {
	if num != 1 {
		s = "s"
	}
	return
}
