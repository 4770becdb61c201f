// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"bytes"
	"io/ioutil"
	"math"

	"gopkg.in/check.v1"
)

type normFileSuite struct{}

var _ = check.Suite(&normFileSuite{})

func (s *normFileSuite) TestRoundTrip(c *check.C) {
	means := []float64{0.860, 1.250, 0.995}
	ratios := []float64{2.351, 1.774, 12.5}
	rows := []struct {
		id    string
		scale float64
		z     []float64
	}{
		{"sample1", 50.125, []float64{-0.486, 0.25, 1.5}},
		{"sample2", 60, []float64{2.125, -1.75, 0}},
	}

	var buf bytes.Buffer
	nw, err := newNormWriter(&buf, len(rows), means, ratios)
	c.Assert(err, check.IsNil)
	for _, row := range rows {
		c.Assert(nw.WriteIndividual(row.id, row.scale, row.z), check.IsNil)
	}
	c.Assert(nw.Flush(), check.IsNil)

	fnm := c.MkDir() + "/norm.txt"
	c.Assert(ioutil.WriteFile(fnm, buf.Bytes(), 0666), check.IsNil)

	nr, err := openNormFile(fnm)
	c.Assert(err, check.IsNil)
	defer nr.Close()
	c.Check(nr.N, check.Equals, 2)
	c.Check(nr.RWant, check.Equals, 3)
	c.Check(nr.Means, check.DeepEquals, means)
	c.Check(nr.Ratios, check.DeepEquals, ratios)

	z := make([]float64, nr.RWant)
	for _, row := range rows {
		id, scale, ok, err := nr.Next(z)
		c.Assert(err, check.IsNil)
		c.Assert(ok, check.Equals, true)
		c.Check(id, check.Equals, row.id)
		c.Check(scale, check.Equals, row.scale)
		for j := range z {
			c.Check(z[j], check.Equals, row.z[j])
		}
	}
	_, _, ok, err := nr.Next(z)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	c.Check(nr.Rows(), check.Equals, 2)
	c.Check(nr.Invalid.count, check.Equals, 0)
}

func (s *normFileSuite) TestInvalidValues(c *check.C) {
	fnm := c.MkDir() + "/norm.txt"
	err := ioutil.WriteFile(fnm, []byte(
		"2\t2\t0.500\t0.600\n"+
			"2\t2\t1.000\t2.000\n"+
			"a\t10.000\tnan\t0.250\n"+
			"b\t12.000\t0.125\t-0.250\n"), 0666)
	c.Assert(err, check.IsNil)

	nr, err := openNormFile(fnm)
	c.Assert(err, check.IsNil)
	defer nr.Close()
	z := make([]float64, nr.RWant)
	id, _, ok, err := nr.Next(z)
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)
	c.Check(id, check.Equals, "a")
	c.Check(math.IsNaN(z[0]), check.Equals, true)
	c.Check(z[1], check.Equals, 0.25)
	c.Check(nr.Invalid.count, check.Equals, 1)
}

func (s *normFileSuite) TestDeclaredCountEnforced(c *check.C) {
	var buf bytes.Buffer
	nw, err := newNormWriter(&buf, 1, []float64{1}, []float64{1})
	c.Assert(err, check.IsNil)
	c.Assert(nw.WriteIndividual("a", 1, []float64{0}), check.IsNil)
	c.Check(nw.WriteIndividual("b", 1, []float64{0}), check.NotNil)

	nw, err = newNormWriter(&buf, 2, []float64{1}, []float64{1})
	c.Assert(err, check.IsNil)
	c.Assert(nw.WriteIndividual("a", 1, []float64{0}), check.IsNil)
	c.Check(nw.Flush(), check.NotNil)
}
