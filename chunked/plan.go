// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunked

import (
	"fmt"
	"strings"
)

// A Range is a half-open byte range [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of bytes in the range.
func (r Range) Len() int { return r.End - r.Start }

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// A Plan is a sequence of contiguous ranges that together cover a
// payload. Chunked operations transfer one range per round.
type Plan []Range

// NewPlan returns the plan that covers [0, total) in ranges of at
// most ceiling bytes. Every range except possibly the last has
// exactly ceiling bytes; an empty payload has an empty plan. NewPlan
// panics if ceiling is not positive.
func NewPlan(total, ceiling int) Plan {
	if ceiling <= 0 {
		panic(fmt.Sprintf("chunked.NewPlan: invalid ceiling %d", ceiling))
	}
	if total < 0 {
		panic(fmt.Sprintf("chunked.NewPlan: invalid total %d", total))
	}
	plan := make(Plan, 0, (total+ceiling-1)/ceiling)
	for start := 0; start < total; start += ceiling {
		end := start + ceiling
		if end > total {
			end = total
		}
		plan = append(plan, Range{start, end})
	}
	return plan
}

// Total returns the number of bytes covered by the plan.
func (p Plan) Total() int {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1].End
}

func (p Plan) String() string {
	strs := make([]string, len(p))
	for i, r := range p {
		strs[i] = r.String()
	}
	return strings.Join(strs, " ")
}

// A Record describes a completed chunked transfer.
type Record struct {
	// Ceiling is the maximum number of bytes moved by a single
	// message.
	Ceiling int
	// Total is the number of payload bytes transferred.
	Total int
	// Ranges is the plan by which the payload was transferred.
	Ranges Plan
}

// overlap returns the intersection of r with [off, off+n), relative
// to off. The returned range is empty if they do not intersect.
func (r Range) overlap(off, n int) Range {
	start, end := r.Start, r.End
	if start < off {
		start = off
	}
	if end > off+n {
		end = off + n
	}
	if start >= end {
		return Range{}
	}
	return Range{start - off, end - off}
}
