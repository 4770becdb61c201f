// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"bufio"
	"fmt"
	"strings"
)

// errStopScan is returned by a scanDepthFiles callback to end the scan
// early without reporting an error to the caller.
var errStopScan = fmt.Errorf("stop scan")

// scanDepthFiles streams raw depth files in order, calling fn once per
// individual with its global 0-based position, sample ID, and the R
// depth tokens from its line (depths scaled x100 in the raw format).
// All files must agree on R; the first line seen fixes it.
//
// The files are never buffered whole: each line is handed to fn and
// discarded, so memory stays constant in the number of individuals.
func scanDepthFiles(files []string, fn func(n int, id string, depths []string) error) error {
	n := 0
	columns := 0
	for _, fnm := range files {
		rdr, err := zopen(fnm)
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(rdr)
		scanner.Buffer(make([]byte, 1<<16), 1<<28)
		lineno := 0
		for scanner.Scan() {
			lineno++
			line := scanner.Text()
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				rdr.Close()
				return fmt.Errorf("%s line %d: want \"id depth ...\", got %d fields", fnm, lineno, len(fields))
			}
			if columns == 0 {
				columns = len(fields) - 1
			} else if len(fields)-1 != columns {
				rdr.Close()
				return fmt.Errorf("%s line %d: got %d depth columns, want %d", fnm, lineno, len(fields)-1, columns)
			}
			err := fn(n, fields[0], fields[1:])
			n++
			if err == errStopScan {
				rdr.Close()
				return nil
			} else if err != nil {
				rdr.Close()
				return err
			}
		}
		err = scanner.Err()
		rdr.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", fnm, err)
		}
	}
	return nil
}
