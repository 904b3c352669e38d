// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package governor

import (
	"container/heap"
	"context"

	"github.com/tidwall/gjson"

	"github.com/toursafe/geofenced/internal/tile38"
)

// Priority orders queued requests. Higher values dispatch first; equal
// priorities dispatch in arrival order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// outcome carries a completed request back to its caller.
type outcome struct {
	result gjson.Result
	err    error
}

// request is one queued index command.
type request struct {
	ctx      context.Context
	cmd      tile38.Command
	write    bool
	priority Priority
	seq      uint64
	done     chan outcome
}

// requestHeap is a max-heap on priority with FIFO ordering inside each
// priority band, keyed by enqueue sequence.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*request)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*requestHeap)(nil)
