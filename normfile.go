// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Normalized depth file format (ASCII, tab separated, 3 decimals):
//
//	line 1: N  R_want  mean_1 ... mean_{R_want}
//	line 2: N  R_want  ratio_1 ... ratio_{R_want}
//	line 3+: ID  scale  z_1 ... z_{R_want}   (one line per individual)

// normWriter serializes the normalized depth matrix.
type normWriter struct {
	w     *bufio.Writer
	n     int
	rWant int
	wrote int
}

func newNormWriter(w io.Writer, n int, means, ratios []float64) (*normWriter, error) {
	if len(means) != len(ratios) {
		return nil, fmt.Errorf("mean/ratio length mismatch: %d != %d", len(means), len(ratios))
	}
	nw := &normWriter{w: bufio.NewWriter(w), n: n, rWant: len(means)}
	for _, vals := range [][]float64{means, ratios} {
		fmt.Fprintf(nw.w, "%d\t%d", n, nw.rWant)
		for _, v := range vals {
			fmt.Fprintf(nw.w, "\t%.3f", v)
		}
		fmt.Fprint(nw.w, "\n")
	}
	return nw, nil
}

func (nw *normWriter) WriteIndividual(id string, scale float64, z []float64) error {
	if len(z) != nw.rWant {
		return fmt.Errorf("individual %s: %d z-scores, want %d", id, len(z), nw.rWant)
	}
	if nw.wrote >= nw.n {
		return fmt.Errorf("individual %s: more than the declared %d individuals", id, nw.n)
	}
	fmt.Fprintf(nw.w, "%s\t%.3f", id, scale)
	for _, v := range z {
		fmt.Fprintf(nw.w, "\t%.3f", v)
	}
	fmt.Fprint(nw.w, "\n")
	nw.wrote++
	return nil
}

func (nw *normWriter) Flush() error {
	if nw.wrote != nw.n {
		return fmt.Errorf("wrote %d individuals, declared %d", nw.wrote, nw.n)
	}
	return nw.w.Flush()
}

// normReader streams a normalized depth file. The header statistics
// are read eagerly; individual rows are streamed one at a time so the
// matrix never needs to be held in memory.
type normReader struct {
	N      int
	RWant  int
	Means  []float64
	Ratios []float64

	Invalid invalidStats

	fnm     string
	rc      io.ReadCloser
	scanner *bufio.Scanner
	row     int
}

func openNormFile(fnm string) (*normReader, error) {
	rc, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	nr := &normReader{fnm: fnm, rc: rc}
	nr.Invalid.stage = "read " + fnm
	nr.scanner = bufio.NewScanner(rc)
	nr.scanner.Buffer(make([]byte, 1<<16), 1<<28)
	nr.Means, err = nr.readStatsLine(1)
	if err != nil {
		rc.Close()
		return nil, err
	}
	nr.Ratios, err = nr.readStatsLine(2)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return nr, nil
}

func (nr *normReader) readStatsLine(lineno int) ([]float64, error) {
	if !nr.scanner.Scan() {
		if err := nr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read %s: %w", nr.fnm, err)
		}
		return nil, fmt.Errorf("%s: missing header line %d", nr.fnm, lineno)
	}
	fields := strings.Fields(nr.scanner.Text())
	if len(fields) < 2 {
		return nil, fmt.Errorf("%s line %d: want \"N R_want v ...\"", nr.fnm, lineno)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%s line %d: bad N %q", nr.fnm, lineno, fields[0])
	}
	rWant, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%s line %d: bad R_want %q", nr.fnm, lineno, fields[1])
	}
	if lineno == 1 {
		nr.N, nr.RWant = n, rWant
	} else if n != nr.N || rWant != nr.RWant {
		return nil, fmt.Errorf("%s line %d: header mismatch: %d/%d != %d/%d", nr.fnm, lineno, n, rWant, nr.N, nr.RWant)
	}
	if len(fields)-2 != rWant {
		return nil, fmt.Errorf("%s line %d: %d values, want %d", nr.fnm, lineno, len(fields)-2, rWant)
	}
	vals := make([]float64, rWant)
	for i, tok := range fields[2:] {
		v, ok := parseValue(tok)
		if !ok {
			nr.Invalid.Hit(fmt.Sprintf("line %d column %d", lineno, i+3))
			v = math.NaN()
		}
		vals[i] = v
	}
	return vals, nil
}

// Next reads one individual row, filling z (which must have length
// RWant). Invalid z tokens are stored as NaN and counted. ok is false
// at end of file.
func (nr *normReader) Next(z []float64) (id string, scale float64, ok bool, err error) {
	if !nr.scanner.Scan() {
		if err := nr.scanner.Err(); err != nil {
			return "", 0, false, fmt.Errorf("read %s: %w", nr.fnm, err)
		}
		return "", 0, false, nil
	}
	nr.row++
	lineno := nr.row + 2
	fields := strings.Fields(nr.scanner.Text())
	if len(fields) != nr.RWant+2 {
		return "", 0, false, fmt.Errorf("%s line %d: %d fields, want %d", nr.fnm, lineno, len(fields), nr.RWant+2)
	}
	id = fields[0]
	scale, sok := parseValue(fields[1])
	if !sok {
		nr.Invalid.Hit(fmt.Sprintf("line %d scale", lineno))
		scale = math.NaN()
	}
	for i, tok := range fields[2:] {
		v, vok := parseValue(tok)
		if !vok {
			nr.Invalid.Hit(fmt.Sprintf("line %d column %d", lineno, i+3))
			v = math.NaN()
		}
		z[i] = v
	}
	return id, scale, true, nil
}

// Rows returns the number of individual rows read so far.
func (nr *normReader) Rows() int { return nr.row }

func (nr *normReader) Close() error { return nr.rc.Close() }
