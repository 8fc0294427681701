// Package mono provides low-level monotonic time
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var startup = time.Now()

// NanoTime returns the number of monotonic nanoseconds since process startup.
func NanoTime() int64 { return int64(time.Since(startup)) }

func Since(started int64) time.Duration { return time.Duration(NanoTime() - started) }
