// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"flag"
	"fmt"
)

// batchArgs assigns individuals to batches by file position: the
// individual at 0-based position n belongs to batch n mod batches.
// The batches cover all individuals and are pairwise disjoint, so a
// cohort can be processed by repeated invocations with different
// -batch values and the outputs concatenated.
type batchArgs struct {
	batch   int
	batches int
}

func (b *batchArgs) Flags(flags *flag.FlagSet) {
	flags.IntVar(&b.batches, "batches", 1, "number of batches")
	flags.IntVar(&b.batch, "batch", 0, "which batch to process")
}

func (b *batchArgs) Check() error {
	if b.batches < 1 {
		return fmt.Errorf("invalid -batches %d: must be positive", b.batches)
	}
	if b.batch < 0 || b.batch >= b.batches {
		return fmt.Errorf("invalid -batch %d: must be in [0,%d)", b.batch, b.batches)
	}
	return nil
}

// Contains reports whether the individual at position n belongs to
// this batch.
func (b *batchArgs) Contains(n int) bool {
	return n%b.batches == b.batch
}

// Local maps position n to its index within the batch.
func (b *batchArgs) Local(n int) int {
	return n / b.batches
}

// Global maps the batch's i'th member back to its file position.
func (b *batchArgs) Global(i int) int {
	return i*b.batches + b.batch
}

// Size returns the number of individuals this batch receives out of n
// total.
func (b *batchArgs) Size(n int) int {
	if n <= b.batch {
		return 0
	}
	return (n - b.batch + b.batches - 1) / b.batches
}
