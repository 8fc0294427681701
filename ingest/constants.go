// Package ingest holds the queue names and admission arithmetic shared
// between the ingester and the dispatcher.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ingest

import "math"

const (
	CompleteQueueName = "m-complete"
	IngestQueueName   = "m-ingest"
)

// DropChance maps queue backlog to a sampling probability: zero at or
// below the target maximum, approaching 1 as the backlog grows.
func DropChance(length, maximum int) float64 {
	chance := math.Tanh(float64(length-maximum) / float64(maximum) * 2.0)
	if chance < 0 {
		return 0
	}
	return chance
}
