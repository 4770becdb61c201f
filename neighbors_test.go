// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"bytes"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/check.v1"
)

type neighborsSuite struct{}

var _ = check.Suite(&neighborsSuite{})

// 5 individuals x 2 regions; s5's z-scores exceed zMax=2 and crop to
// (2,-2). All squared differences are hand-computable.
const neighborsInput = "" +
	"5\t2\t0.900\t1.100\n" +
	"5\t2\t1.500\t2.000\n" +
	"s1\t1.000\t0.000\t0.000\n" +
	"s2\t1.100\t1.000\t0.000\n" +
	"s3\t0.900\t2.000\t2.000\n" +
	"s4\t1.200\t-1.000\t-1.000\n" +
	"s5\t1.000\t3.000\t-3.000\n"

// accumulated squared differences divided by 2*R_used (R_used=2):
var neighborsExpect = map[string]string{
	"s1": "s1\t1.000\ts2\t1.100\t0.250\ts4\t1.200\t0.500\ts3\t0.900\t2.000\ts5\t1.000\t2.000",
	"s2": "s2\t1.100\ts1\t1.000\t0.250\ts3\t0.900\t1.250\ts4\t1.200\t1.250\ts5\t1.000\t1.250",
	"s3": "s3\t0.900\ts2\t1.100\t1.250\ts1\t1.000\t2.000\ts5\t1.000\t4.000\ts4\t1.200\t4.500",
	"s4": "s4\t1.200\ts1\t1.000\t0.500\ts2\t1.100\t1.250\ts5\t1.000\t2.500\ts3\t0.900\t4.500",
	"s5": "s5\t1.000\ts2\t1.100\t1.250\ts1\t1.000\t2.000\ts4\t1.200\t2.500\ts3\t0.900\t4.000",
}

func writeNeighborsInput(c *check.C, content string) (dir string) {
	dir = c.MkDir()
	c.Assert(ioutil.WriteFile(dir+"/norm.txt", []byte(content), 0666), check.IsNil)
	return dir
}

func runFindNeighbors(c *check.C, dir, prefix string, extraArgs ...string) []string {
	args := append([]string{
		"-i", dir + "/norm.txt",
		"-output-prefix", dir + "/" + prefix,
		"-z-max", "2.0",
	}, extraArgs...)
	code := (&findNeighborsCmd{}).RunCommand("depthnn find-neighbors", args, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)

	rdr, err := zopen(dir + "/" + prefix + ".zMax2.0.txt.gz")
	c.Assert(err, check.IsNil)
	defer rdr.Close()
	buf, err := ioutil.ReadAll(rdr)
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	return lines
}

func (s *neighborsSuite) TestScenario(c *check.C) {
	dir := writeNeighborsInput(c, neighborsInput)
	lines := runFindNeighbors(c, dir, "out")
	c.Assert(lines, check.HasLen, 5)
	for i, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		c.Check(lines[i], check.Equals, neighborsExpect[id])
	}
}

func (s *neighborsSuite) TestNeighborProperties(c *check.C) {
	dir := writeNeighborsInput(c, neighborsInput)
	lines := runFindNeighbors(c, dir, "out")
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		// ID + scale + min(K, N-1)=4 neighbors of 3 fields each
		c.Assert(fields, check.HasLen, 2+4*3)
		self := fields[0]
		prev := -1.0
		for i := 2; i < len(fields); i += 3 {
			c.Check(fields[i], check.Not(check.Equals), self)
			d, err := strconv.ParseFloat(fields[i+2], 64)
			c.Assert(err, check.IsNil)
			c.Check(d >= prev, check.Equals, true)
			prev = d
		}
	}
}

func (s *neighborsSuite) TestTopK(c *check.C) {
	dir := writeNeighborsInput(c, neighborsInput)
	lines := runFindNeighbors(c, dir, "out", "-neighbors", "2")
	for _, line := range lines {
		c.Check(strings.Split(line, "\t"), check.HasLen, 2+2*3)
	}
	c.Check(strings.HasPrefix(lines[0], "s1\t1.000\ts2\t1.100\t0.250\ts4\t1.200\t0.500"), check.Equals, true)
}

func (s *neighborsSuite) TestBatchEquivalence(c *check.C) {
	dir := writeNeighborsInput(c, neighborsInput)
	whole := map[string]string{}
	for _, line := range runFindNeighbors(c, dir, "whole") {
		whole[strings.SplitN(line, "\t", 2)[0]] = line
	}

	parts := map[string]string{}
	for b := 0; b < 4; b++ {
		prefix := "part" + strconv.Itoa(b)
		for _, line := range runFindNeighbors(c, dir, prefix, "-batches", "4", "-batch", strconv.Itoa(b)) {
			id := strings.SplitN(line, "\t", 2)[0]
			c.Check(parts[id], check.Equals, "")
			parts[id] = line
		}
	}
	c.Check(parts, check.DeepEquals, whole)
}

func (s *neighborsSuite) TestSigma2MaxGate(c *check.C) {
	dir := writeNeighborsInput(c, neighborsInput)
	// ratio_2=2.000 exceeds the gate, so only region 1 is used and
	// distances are divided by 2*1
	lines := runFindNeighbors(c, dir, "out", "-sigma2-max", "1.8")
	c.Check(lines[0], check.Equals,
		"s1\t1.000\ts2\t1.100\t0.500\ts4\t1.200\t0.500\ts3\t0.900\t2.000\ts5\t1.000\t2.000")
}

func (s *neighborsSuite) TestInvalidZBecomesZero(c *check.C) {
	// s2's second z-score is invalid and is treated as 0, the cohort
	// mean, which matches the value in the base scenario
	dir := writeNeighborsInput(c, strings.Replace(neighborsInput,
		"s2\t1.100\t1.000\t0.000", "s2\t1.100\t1.000\tnan", 1))
	lines := runFindNeighbors(c, dir, "out")
	c.Assert(lines, check.HasLen, 5)
	for i, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		c.Check(lines[i], check.Equals, neighborsExpect[id])
	}
}

func (s *neighborsSuite) TestUsageErrors(c *check.C) {
	var stderr bytes.Buffer
	code := (&findNeighborsCmd{}).RunCommand("depthnn find-neighbors", []string{"-i", "x"},
		bytes.NewReader(nil), &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(strings.Contains(stderr.String(), "-output-prefix"), check.Equals, true)

	code = (&findNeighborsCmd{}).RunCommand("depthnn find-neighbors", []string{
		"-i", "x", "-output-prefix", "y", "-batches", "2", "-batch", "2"},
		bytes.NewReader(nil), &bytes.Buffer{}, &stderr)
	c.Check(code, check.Equals, 1)
}
