// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"fmt"
	"io"
	"strings"

	"github.com/biogo/biogo/io/featio/bed"
	"github.com/biogo/store/interval"
	log "github.com/sirupsen/logrus"
)

// kbWindow is the granularity of the repeat mask: a repeat interval
// marks every 1 kb window it touches.
const kbWindow = 1000

type maskIval struct {
	start, end int
	id         uintptr
}

func (iv maskIval) Overlap(b interval.IntRange) bool {
	return iv.end > b.Start && iv.start < b.End
}
func (iv maskIval) ID() uintptr { return iv.id }
func (iv maskIval) Range() interval.IntRange {
	return interval.IntRange{Start: iv.start, End: iv.end}
}

type maskQuery struct {
	start, end int
}

func (q maskQuery) Overlap(b interval.IntRange) bool {
	return q.end > b.Start && q.start < b.End
}

// repeatMask records which 1 kb genome windows overlap a repeat/VNTR
// interval, one interval tree per chromosome. Trees are sized by the
// input rather than by hardcoded chromosome lengths.
type repeatMask struct {
	trees  map[string]*interval.IntTree
	nextID uintptr
	frozen bool
}

// Add marks every 1 kb window spanned by [start,end) on seqname.
func (m *repeatMask) Add(seqname string, start, end int) error {
	if m.frozen {
		panic("bug: (*repeatMask)Add() called after Freeze()")
	}
	if m.trees == nil {
		m.trees = map[string]*interval.IntTree{}
	}
	t, ok := m.trees[chromKey(seqname)]
	if !ok {
		t = &interval.IntTree{}
		m.trees[chromKey(seqname)] = t
	}
	iv := maskIval{
		start: start / kbWindow * kbWindow,
		end:   (end/kbWindow + 1) * kbWindow,
		id:    m.nextID,
	}
	m.nextID++
	return t.Insert(iv, true)
}

// Freeze restores the range invariants deferred by fast insertion.
// Add must not be called afterwards.
func (m *repeatMask) Freeze() {
	for _, t := range m.trees {
		t.AdjustRanges()
	}
	m.frozen = true
}

// Check reports whether the 1 kb window containing pos overlaps any
// masked window on seqname.
func (m *repeatMask) Check(seqname string, pos int) bool {
	if !m.frozen {
		panic("bug: (*repeatMask)Check() called before Freeze()")
	}
	t := m.trees[chromKey(seqname)]
	if t == nil {
		return false
	}
	w := pos / kbWindow * kbWindow
	found := false
	t.DoMatching(func(interval.IntInterface) bool {
		found = true
		return true
	}, maskQuery{w, w + kbWindow})
	return found
}

// chromKey canonicalizes a chromosome name so "chr1" and "1" refer to
// the same tree.
func chromKey(seqname string) string {
	return strings.TrimPrefix(seqname, "chr")
}

// loadRepeatMask reads BED intervals (chrom, start, end) from rdr into
// a repeatMask. If chromosomes is non-empty, intervals on other
// chromosomes are ignored.
func loadRepeatMask(rdr io.Reader, chromosomes []string) (*repeatMask, error) {
	want := map[string]bool{}
	for _, c := range chromosomes {
		if c = strings.TrimSpace(c); c != "" {
			want[chromKey(c)] = true
		}
	}
	m := &repeatMask{}
	added := 0
	bedrdr, err := bed.NewReader(rdr, 3)
	if err != nil {
		return nil, fmt.Errorf("read repeat bed: %w", err)
	}
	for {
		f, err := bedrdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read repeat bed: %w", err)
		}
		chrom := fmt.Sprint(f.Location())
		if len(want) > 0 && !want[chromKey(chrom)] {
			continue
		}
		if err := m.Add(chrom, f.Start(), f.End()); err != nil {
			return nil, fmt.Errorf("repeat mask insert %s:%d-%d: %w", chrom, f.Start(), f.End(), err)
		}
		added++
	}
	m.Freeze()
	log.Infof("repeat mask: %d intervals on %d chromosomes", added, len(m.trees))
	return m, nil
}
