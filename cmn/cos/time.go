// Package cos provides common low-level types and utilities for all aiscan packages
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "time"

// ISO-8601 with microseconds, always UTC - the wire format for all
// datastore and quota timestamps.
const FormatISO8601 = "2006-01-02T15:04:05.000000Z"

func NowISO() string { return FormatTimeISO(time.Now()) }

func FormatTimeISO(t time.Time) string { return t.UTC().Format(FormatISO8601) }

func ParseTimeISO(s string) (time.Time, error) { return time.Parse(FormatISO8601, s) }
