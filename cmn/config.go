// Package cmn provides common constants, types, and utilities for the aiscan dispatcher
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"
	"time"

	"github.com/NVIDIA/aiscan/cmn/nlog"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Default pipeline stages, in execution order. Services in the same stage
// run in parallel; stages run sequentially per file.
var DefaultStages = []string{"FILTER", "EXTRACT", "CORE", "SECONDARY", "POST"}

const (
	dfltDispatcherTimeout   = 15 * time.Minute
	dfltMaxExtractionDepth  = 6
	dfltSubmissionWorkers   = 4
	dfltFileWorkers         = 8
	dfltServiceRefreshEvery = 5 * time.Minute
)

type (
	Config struct {
		Dispatcher DispatcherConf `json:"dispatcher"`
		Submission SubmissionConf `json:"submission"`
		Log        LogConf        `json:"log"`
	}
	DispatcherConf struct {
		// Submission watchdog TTL: a submission untouched for this long is
		// re-injected into the submission queue.
		TimeoutSec int64 `json:"timeout"`
		// Ordered stage names; every service declares one of these.
		Stages []string `json:"stages"`
		// Worker loop counts per process.
		SubmissionWorkers int `json:"submission_workers"`
		FileWorkers       int `json:"file_workers"`
		// Service catalog snapshot refresh interval.
		ServiceRefreshSec int64 `json:"service_refresh"`
	}
	SubmissionConf struct {
		MaxExtractionDepth int `json:"max_extraction_depth"`
	}
	LogConf struct {
		Verbose bool `json:"verbose"`
	}
)

func (c *Config) Init() {
	if c.Dispatcher.TimeoutSec <= 0 {
		c.Dispatcher.TimeoutSec = int64(dfltDispatcherTimeout / time.Second)
	}
	if len(c.Dispatcher.Stages) == 0 {
		c.Dispatcher.Stages = DefaultStages
	}
	if c.Dispatcher.SubmissionWorkers <= 0 {
		c.Dispatcher.SubmissionWorkers = dfltSubmissionWorkers
	}
	if c.Dispatcher.FileWorkers <= 0 {
		c.Dispatcher.FileWorkers = dfltFileWorkers
	}
	if c.Dispatcher.ServiceRefreshSec <= 0 {
		c.Dispatcher.ServiceRefreshSec = int64(dfltServiceRefreshEvery / time.Second)
	}
	if c.Submission.MaxExtractionDepth <= 0 {
		c.Submission.MaxExtractionDepth = dfltMaxExtractionDepth
	}
	nlog.SetVerbose(c.Log.Verbose)
}

func (c *DispatcherConf) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c *DispatcherConf) ServiceRefresh() time.Duration {
	return time.Duration(c.ServiceRefreshSec) * time.Second
}

// LoadConfig reads the configuration file and applies defaults; an empty
// path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config %q", path)
		}
		if err := jsoniter.Unmarshal(data, config); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %q", path)
		}
	}
	config.Init()
	return config, nil
}
