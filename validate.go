// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"fmt"
	"math"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// invalidPolicy decides what happens when a depth or z-score token is
// not a finite number.
//
//	propagate: keep NaN; downstream sums and outputs may become NaN
//	fail:      abort on the first occurrence
//	zero:      substitute 0
//
// "propagate" reproduces the historical behavior and is the default.
type invalidPolicy string

const (
	invalidPropagate invalidPolicy = "propagate"
	invalidFail      invalidPolicy = "fail"
	invalidZero      invalidPolicy = "zero"
)

func (p invalidPolicy) check() error {
	switch p {
	case invalidPropagate, invalidFail, invalidZero:
		return nil
	}
	return fmt.Errorf("invalid -on-invalid value %q (want propagate, fail, or zero)", string(p))
}

// invalidStats tallies invalid numeric values encountered during one
// pipeline stage.
type invalidStats struct {
	stage string
	count int
	first string
}

func (st *invalidStats) Hit(where string) {
	if st.count == 0 {
		st.first = where
	}
	st.count++
}

// Apply resolves one invalid value according to the policy, returning
// the value to use instead.
func (st *invalidStats) Apply(policy invalidPolicy, where string) (float64, error) {
	st.Hit(where)
	switch policy {
	case invalidFail:
		return 0, fmt.Errorf("%s: invalid value at %s", st.stage, where)
	case invalidZero:
		return 0, nil
	default:
		return math.NaN(), nil
	}
}

// Log emits the stage's diagnostic summary, if there is anything to
// report.
func (st *invalidStats) Log() {
	if st.count > 0 {
		log.Warnf("%s: %d invalid values (first at %s)", st.stage, st.count, st.first)
	}
}

// parseValue parses a numeric token; ok is false if the token is not a
// finite number.
func parseValue(tok string) (v float64, ok bool) {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return v, false
	}
	return v, true
}
