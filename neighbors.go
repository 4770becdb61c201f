// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// selfDistance is written into an individual's own distance cell
// before neighbor extraction so self-matches sort last.
const selfDistance = math.MaxFloat64

// findNeighborsCmd reads a normalized depth file and emits, for every
// individual in the selected batch, its K nearest cohort members by
// squared z-score difference. The input file is streamed twice: pass 1
// materializes only the batch members' cropped z-vectors, pass 2
// streams the whole cohort again accumulating squared differences
// against that buffer. Memory is O(R*Nbatch + N*Nbatch) rather than
// O(N*R).
//
// Both passes re-open the same file, so the design requires a source
// whose row order is stable across opens; an immutable input file
// satisfies that.
type findNeighborsCmd struct {
	batch     batchArgs
	zMax      float64
	neighbors int
	sigma2Max float64
}

func (cmd *findNeighborsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *findNeighborsCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "", "normalized depth `file` (.gz ok)")
	outputPrefix := flags.String("output-prefix", "", "output `prefix`; the file is named <prefix>.zMax<z>.txt.gz")
	flags.Float64Var(&cmd.zMax, "z-max", 2.0, "crop z-scores to +/- this value")
	flags.IntVar(&cmd.neighbors, "neighbors", 500, "number of nearest neighbors per individual")
	flags.Float64Var(&cmd.sigma2Max, "sigma2-max", 1000, "ignore regions whose variance-to-mean ratio exceeds this value")
	cmd.batch.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	switch {
	case *inputFilename == "":
		return fmt.Errorf("must provide -i")
	case *outputPrefix == "":
		return fmt.Errorf("must provide -output-prefix")
	case cmd.zMax <= 0:
		return fmt.Errorf("-z-max must be > 0")
	case cmd.neighbors < 1:
		return fmt.Errorf("-neighbors must be > 0")
	}
	if err := cmd.batch.Check(); err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	batchZ, used, n, err := cmd.loadBatch(*inputFilename)
	if err != nil {
		return err
	}
	dist, ids, scales, err := cmd.accumulateDistances(*inputFilename, batchZ, used, n)
	if err != nil {
		return err
	}

	outFilename := fmt.Sprintf("%s.zMax%.1f.txt.gz", *outputPrefix, cmd.zMax)
	output, err := zcreate(outFilename)
	if err != nil {
		return err
	}
	defer output.Close()
	err = cmd.writeNeighbors(output, dist, ids, scales, len(used))
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}
	log.Infof("wrote %s", outFilename)
	return nil
}

// usedRegions returns the column indices whose variance-to-mean ratio
// is defined and does not exceed sigma2Max. Extreme-variance regions
// would otherwise dominate every distance.
func (cmd *findNeighborsCmd) usedRegions(ratios []float64) []int {
	var used []int
	for r, ratio := range ratios {
		if !math.IsNaN(ratio) && ratio <= cmd.sigma2Max {
			used = append(used, r)
		}
	}
	return used
}

// loadBatch is pass 1: stream the file once, keeping only the cropped
// z-vectors of individuals assigned to the batch, as a (used region x
// batch member) matrix. Everyone else's row is discarded unbuffered.
func (cmd *findNeighborsCmd) loadBatch(fnm string) (batchZ *mat.Dense, used []int, n int, err error) {
	nr, err := openNormFile(fnm)
	if err != nil {
		return nil, nil, 0, err
	}
	defer nr.Close()

	used = cmd.usedRegions(nr.Ratios)
	log.Infof("using %d of %d regions (variance-to-mean ratio <= %g)", len(used), nr.RWant, cmd.sigma2Max)
	if len(used) == 0 {
		return nil, nil, 0, fmt.Errorf("no regions with variance-to-mean ratio <= %g", cmd.sigma2Max)
	}

	nBatch := cmd.batch.Size(nr.N)
	if nBatch == 0 {
		return nil, nil, 0, fmt.Errorf("batch %d of %d is empty for %d individuals", cmd.batch.batch, cmd.batch.batches, nr.N)
	}
	batchZ = mat.NewDense(len(used), nBatch, nil)
	z := make([]float64, nr.RWant)
	for {
		_, _, ok, err := nr.Next(z)
		if err != nil {
			return nil, nil, 0, err
		}
		if !ok {
			break
		}
		pos := nr.Rows() - 1
		if pos >= nr.N {
			return nil, nil, 0, fmt.Errorf("%s: more individual rows than the declared %d", fnm, nr.N)
		}
		if !cmd.batch.Contains(pos) {
			continue
		}
		j := cmd.batch.Local(pos)
		for k, r := range used {
			batchZ.Set(k, j, cropZ(z[r], cmd.zMax))
		}
	}
	if nr.Rows() != nr.N {
		return nil, nil, 0, fmt.Errorf("%s: %d individual rows, header declares %d", fnm, nr.Rows(), nr.N)
	}
	nr.Invalid.Log()
	return batchZ, used, nr.N, nil
}

// accumulateDistances is pass 2: re-stream the whole file and, for
// every individual and every used region, add the squared difference
// against each batch member into the distance matrix. Rows must appear
// in the same order as in pass 1 for index alignment to hold.
func (cmd *findNeighborsCmd) accumulateDistances(fnm string, batchZ *mat.Dense, used []int, n int) (dist *mat.Dense, ids []string, scales []float64, err error) {
	nr, err := openNormFile(fnm)
	if err != nil {
		return nil, nil, nil, err
	}
	defer nr.Close()
	if nr.N != n {
		return nil, nil, nil, fmt.Errorf("%s: row count changed between passes (%d != %d)", fnm, nr.N, n)
	}

	_, nBatch := batchZ.Dims()
	dist = mat.NewDense(n, nBatch, nil)
	ids = make([]string, 0, n)
	scales = make([]float64, 0, n)
	z := make([]float64, nr.RWant)
	for {
		id, scale, ok, err := nr.Next(z)
		if err != nil {
			return nil, nil, nil, err
		}
		if !ok {
			break
		}
		ids = append(ids, id)
		scales = append(scales, scale)
		drow := dist.RawRowView(nr.Rows() - 1)
		for k, r := range used {
			zi := cropZ(z[r], cmd.zMax)
			for j, zb := range batchZ.RawRowView(k) {
				d := zi - zb
				drow[j] += d * d
			}
		}
	}
	if nr.Rows() != n {
		return nil, nil, nil, fmt.Errorf("%s: %d individual rows, header declares %d", fnm, nr.Rows(), n)
	}
	nr.Invalid.Log()

	// exclude self-matches
	for j := 0; j < nBatch; j++ {
		dist.Set(cmd.batch.Global(j), j, selfDistance)
	}
	return dist, ids, scales, nil
}

// cropZ bounds a z-score to +/- zMax; invalid values count as 0, the
// cohort mean.
func cropZ(z, zMax float64) float64 {
	if math.IsNaN(z) {
		return 0
	}
	return crop(z, zMax)
}

// writeNeighbors extracts and writes the top K neighbor list for each
// batch member: all N distances are sorted ascending (index as
// tie-break) and the first min(K, N-1) emitted. The reported distance
// is the accumulated squared difference divided by 2*(regions used),
// approximating a per-region mean squared z-score difference.
func (cmd *findNeighborsCmd) writeNeighbors(w io.Writer, dist *mat.Dense, ids []string, scales []float64, rUsed int) error {
	n, nBatch := dist.Dims()
	k := cmd.neighbors
	if k > n-1 {
		k = n - 1
	}
	norm := 2 * float64(rUsed)
	order := make([]int, n)
	for j := 0; j < nBatch; j++ {
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			da, db := dist.At(order[a], j), dist.At(order[b], j)
			if da != db {
				return da < db
			}
			return order[a] < order[b]
		})
		self := cmd.batch.Global(j)
		fmt.Fprintf(w, "%s\t%.3f", ids[self], scales[self])
		for _, i := range order[:k] {
			fmt.Fprintf(w, "\t%s\t%.3f\t%.3f", ids[i], scales[i], dist.At(i, j)/norm)
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
