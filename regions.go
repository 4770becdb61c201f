// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// regionCoord locates one depth column on the genome.
type regionCoord struct {
	chrom string
	start int
	end   int
}

// loadRegionCoords reads the companion coordinate file: one line per
// depth column, in column order, laid out like a mosdepth regions.bed
// (chrom, start, end, and optionally more columns, tab separated,
// possibly gzip compressed).
func loadRegionCoords(fnm string) ([]regionCoord, error) {
	rdr, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()

	var coords []regionCoord
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 1<<16), 1<<24)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s line %d: want at least 3 tab-separated columns, got %d", fnm, lineno, len(fields))
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad start %q", fnm, lineno, fields[1])
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad end %q", fnm, lineno, fields[2])
		}
		coords = append(coords, regionCoord{chrom: fields[0], start: start, end: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", fnm, err)
	}
	return coords, nil
}
