// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"strings"

	"gopkg.in/check.v1"
)

type maskSuite struct{}

var _ = check.Suite(&maskSuite{})

func (s *maskSuite) TestMask(c *check.C) {
	m := &repeatMask{}
	c.Check(m.Add("chr1", 1200, 3400), check.IsNil)
	c.Check(m.Add("1", 5600, 7800), check.IsNil)
	c.Check(m.Add("chr2", 9900, 9950), check.IsNil)
	m.Freeze()

	// intervals are rounded out to 1 kb windows
	c.Check(m.Check("chr1", 1500), check.Equals, true)
	c.Check(m.Check("chr1", 1000), check.Equals, true)
	c.Check(m.Check("chr1", 3999), check.Equals, true)
	c.Check(m.Check("chr1", 999), check.Equals, false)
	c.Check(m.Check("chr1", 4200), check.Equals, false)

	// "chr1" and "1" refer to the same chromosome
	c.Check(m.Check("chr1", 7999), check.Equals, true)
	c.Check(m.Check("1", 2000), check.Equals, true)

	c.Check(m.Check("chr2", 9001), check.Equals, true)
	c.Check(m.Check("chr2", 1500), check.Equals, false)
	c.Check(m.Check("chr17", 1500), check.Equals, false)
}

func (s *maskSuite) TestLoadRepeatMask(c *check.C) {
	bed := "chr1\t30200\t30300\nchr2\t100\t200\n"

	m, err := loadRepeatMask(strings.NewReader(bed), nil)
	c.Assert(err, check.IsNil)
	c.Check(m.Check("chr1", 30500), check.Equals, true)
	c.Check(m.Check("1", 30500), check.Equals, true)
	c.Check(m.Check("chr2", 100), check.Equals, true)
	c.Check(m.Check("chr1", 29999), check.Equals, false)

	// chromosome scope restriction
	m, err = loadRepeatMask(strings.NewReader(bed), []string{"chr1"})
	c.Assert(err, check.IsNil)
	c.Check(m.Check("chr1", 30500), check.Equals, true)
	c.Check(m.Check("chr2", 100), check.Equals, false)
}
