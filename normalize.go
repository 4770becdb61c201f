// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package depthnn

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// normalizeCmd turns raw per-sample, per-region depth files into a
// normalized depth matrix: regions are filtered to a plausible
// coverage band and against a repeat mask, each individual's row is
// rescaled by its mean depth, each region column is transformed to
// (x-mu)/sqrt(mu), and only the top fraction of regions by
// variance-to-mean ratio is written out.
type normalizeCmd struct {
	minDepth         float64
	maxDepth         float64
	meanDepthSamples int
	topFraction      float64
	onInvalid        invalidPolicy
}

func (cmd *normalizeCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *normalizeCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputPrefix := flags.String("input-prefix", "", "process all depth files matching `prefix`* (lexical order)")
	repeatBed := flags.String("repeat-bed", "", "repeat/VNTR intervals (`bed` file, .gz ok)")
	regionCoords := flags.String("region-coords", "", "per-region coordinate `file`, one line per depth column (.gz ok)")
	expectedSamples := flags.Int("expected-samples", 0, "total `number` of individuals across all input files")
	chromosomes := flags.String("chromosomes", "", "comma-separated `list` of chromosomes for the repeat filter (empty = all)")
	outputFilename := flags.String("o", "-", "output `file` (\"-\" for stdout, .gz for compressed)")
	outputNpy := flags.String("output-npy", "", "also write the normalized matrix to a `.npy` file")
	flags.Float64Var(&cmd.minDepth, "min-depth", 20, "minimum mean region depth")
	flags.Float64Var(&cmd.maxDepth, "max-depth", 100, "maximum mean region depth")
	flags.IntVar(&cmd.meanDepthSamples, "mean-depth-samples", 96, "number of leading individuals used to estimate region mean depth")
	flags.Float64Var(&cmd.topFraction, "top-fraction", 0.1, "fraction of regions kept by variance-to-mean ratio")
	onInvalid := flags.String("on-invalid", string(invalidPropagate), "invalid value policy: propagate, fail, or zero")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	cmd.onInvalid = invalidPolicy(*onInvalid)
	if err := cmd.onInvalid.check(); err != nil {
		return err
	}
	switch {
	case *inputPrefix == "":
		return fmt.Errorf("must provide -input-prefix")
	case *repeatBed == "":
		return fmt.Errorf("must provide -repeat-bed")
	case *regionCoords == "":
		return fmt.Errorf("must provide -region-coords")
	case *expectedSamples < 1:
		return fmt.Errorf("must provide -expected-samples > 0")
	case cmd.meanDepthSamples < 1:
		return fmt.Errorf("-mean-depth-samples must be > 0")
	case cmd.topFraction <= 0 || cmd.topFraction > 1:
		return fmt.Errorf("-top-fraction must be in (0,1]")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	infiles, err := filepath.Glob(*inputPrefix + "*")
	if err != nil {
		return err
	}
	if len(infiles) == 0 {
		return fmt.Errorf("no input files match %s*", *inputPrefix)
	}
	sort.Strings(infiles)
	log.Infof("normalize: %d input files", len(infiles))

	coords, err := loadRegionCoords(*regionCoords)
	if err != nil {
		return err
	}

	extract, err := cmd.selectRegions(infiles, coords)
	if err != nil {
		return err
	}

	var chromList []string
	if *chromosomes != "" {
		chromList = strings.Split(*chromosomes, ",")
	}
	extract, err = cmd.applyRepeatFilter(*repeatBed, chromList, coords, extract)
	if err != nil {
		return err
	}

	result, err := cmd.buildMatrix(infiles, extract, *expectedSamples)
	if err != nil {
		return err
	}

	want, means, ratios, rescale := cmd.filterByVariance(result)
	if len(want) == 0 {
		return fmt.Errorf("no regions with defined variance-to-mean ratios")
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = zcreate(*outputFilename)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	err = writeNormalized(output, result, want, means, ratios, rescale)
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}

	if *outputNpy != "" {
		err = writeNormalizedNpy(*outputNpy, result, want, rescale)
		if err != nil {
			return err
		}
	}
	return nil
}

// selectRegions streams the leading meanDepthSamples individuals,
// accumulating a per-region depth sum only, and returns the indices of
// regions whose mean depth lies within the closed coverage band.
// Regions outside the band indicate mapping artifacts and are
// unreliable regardless of per-individual variation.
func (cmd *normalizeCmd) selectRegions(infiles []string, coords []regionCoord) ([]int, error) {
	stats := invalidStats{stage: "region selection"}
	var sums []float64
	count := 0
	err := scanDepthFiles(infiles, func(n int, id string, depths []string) error {
		if sums == nil {
			sums = make([]float64, len(depths))
		}
		for r, tok := range depths {
			v, ok := parseValue(tok)
			if !ok {
				v, err := stats.Apply(cmd.onInvalid, fmt.Sprintf("individual %s region %d", id, r))
				if err != nil {
					return err
				}
				sums[r] += v
				continue
			}
			sums[r] += v
		}
		count++
		if count >= cmd.meanDepthSamples {
			return errStopScan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("no individuals found in input files")
	}
	if len(sums) != len(coords) {
		return nil, fmt.Errorf("depth files have %d regions, coordinate file has %d", len(sums), len(coords))
	}
	stats.Log()

	var extract []int
	for r, sum := range sums {
		// raw depths are scaled x100
		mean := sum / float64(count) / 100
		if mean >= cmd.minDepth && mean <= cmd.maxDepth {
			extract = append(extract, r)
		}
	}
	log.Infof("region selection: %d of %d regions within depth band [%g,%g] (mean over %d individuals)",
		len(extract), len(sums), cmd.minDepth, cmd.maxDepth, count)
	if len(extract) == 0 {
		return nil, fmt.Errorf("no regions within depth band [%g,%g]", cmd.minDepth, cmd.maxDepth)
	}
	return extract, nil
}

// applyRepeatFilter removes selected regions whose starting 1 kb
// window overlaps a repeat interval, returning the surviving region
// indices.
func (cmd *normalizeCmd) applyRepeatFilter(repeatBed string, chromosomes []string, coords []regionCoord, extract []int) ([]int, error) {
	rdr, err := zopen(repeatBed)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	mask, err := loadRepeatMask(rdr, chromosomes)
	if err != nil {
		return nil, err
	}
	kept := extract[:0]
	removed := 0
	for _, r := range extract {
		if mask.Check(coords[r].chrom, coords[r].start) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	log.Infof("repeat filter: removed %d regions, %d remain", removed, len(kept))
	if len(kept) == 0 {
		return nil, fmt.Errorf("repeat filter removed all selected regions")
	}
	return kept, nil
}

// normResult is the in-memory outcome of the two normalization passes:
// the amplitude- and variance-normalized matrix plus the per-region
// statistics needed for the variance filter and the output header.
type normResult struct {
	ids     []string
	scales  []float64
	extract []int      // region index per matrix column
	matrix  *mat.Dense // individuals x extracted regions, normalized in place
	mu      []float64  // per-column mean of amplitude-normalized values
	ratio   []float64  // per-column 100*variance/mean, NaN when undefined
}

// buildMatrix streams all input files once, building each individual's
// row over the extracted regions and rescaling it by the individual's
// mean depth, then makes a second, columnar pass computing per-region
// statistics and applying the variance-stabilizing transform
// (x-mu)/sqrt(mu). The matrix is allocated once up front and all
// passes operate in place.
func (cmd *normalizeCmd) buildMatrix(infiles []string, extract []int, expectedSamples int) (*normResult, error) {
	res := &normResult{extract: extract}
	rx := len(extract)
	res.matrix = mat.NewDense(expectedSamples, rx, nil)
	stats := invalidStats{stage: "per-individual normalization"}

	seen := map[string]bool{}
	err := scanDepthFiles(infiles, func(n int, id string, depths []string) error {
		if n >= expectedSamples {
			return fmt.Errorf("more than the expected %d individuals in input", expectedSamples)
		}
		if seen[id] {
			log.Warnf("duplicate sample ID %q at position %d", id, n)
		}
		seen[id] = true
		row := res.matrix.RawRowView(n)
		sum := 0.0
		for k, r := range extract {
			v, ok := parseValue(depths[r])
			if !ok {
				var err error
				v, err = stats.Apply(cmd.onInvalid, fmt.Sprintf("individual %s region %d", id, r))
				if err != nil {
					return err
				}
			} else {
				v /= 100
			}
			row[k] = v
			sum += v
		}
		scale := sum / float64(rx)
		if scale != 0 {
			for k := range row {
				row[k] /= scale
			}
		} else {
			log.Warnf("individual %s: zero mean depth over extracted regions", id)
		}
		res.ids = append(res.ids, id)
		res.scales = append(res.scales, scale)
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Log()

	n := len(res.ids)
	if n < 2 {
		return nil, fmt.Errorf("%d individuals: need at least 2 to compute region variance", n)
	}
	if n < expectedSamples {
		log.Warnf("found %d individuals, expected %d", n, expectedSamples)
		res.matrix = res.matrix.Slice(0, n, 0, rx).(*mat.Dense)
	}

	// Second pass, columnar: per-region mean and unbiased variance,
	// then the variance-stabilizing transform. Dividing by sqrt(mu)
	// rather than the empirical standard deviation suits Poisson-like
	// count data, where variance scales with the mean.
	colstats := invalidStats{stage: "region statistics"}
	res.mu = make([]float64, rx)
	res.ratio = make([]float64, rx)
	col := make([]float64, n)
	for k := 0; k < rx; k++ {
		for i := 0; i < n; i++ {
			col[i] = res.matrix.At(i, k)
		}
		mu, variance := stat.MeanVariance(col, nil)
		res.mu[k] = mu
		if math.IsNaN(mu) || mu <= 0 {
			colstats.Hit(fmt.Sprintf("region %d (mean %v)", extract[k], mu))
			res.ratio[k] = math.NaN()
			continue
		}
		sqrtMu := math.Sqrt(mu)
		for i := 0; i < n; i++ {
			res.matrix.Set(i, k, (col[i]-mu)/sqrtMu)
		}
		res.ratio[k] = 100 * variance / mu
	}
	colstats.Log()
	log.Infof("normalized matrix: %d individuals x %d regions", n, rx)
	return res, nil
}

// filterByVariance keeps the top fraction of regions by
// variance-to-mean ratio (the least house-kept, most informative for
// distinguishing individuals) and derives a global rescale constant
// from the median ratio, so output values approximate conventional
// z-score magnitude. Returns the kept columns in file column order
// along with their means and ratios.
func (cmd *normalizeCmd) filterByVariance(res *normResult) (want []int, means, ratios []float64, rescale float64) {
	var valid []float64
	for _, v := range res.ratio {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return nil, nil, nil, 1
	}
	nKeep := int(cmd.topFraction * float64(len(res.ratio)))
	if nKeep < 1 {
		nKeep = 1
	}
	if nKeep > len(valid) {
		log.Warnf("variance filter: only %d regions have defined ratios, want %d", len(valid), nKeep)
		nKeep = len(valid)
	}

	order := make([]int, len(res.ratio))
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := res.ratio[order[a]], res.ratio[order[b]]
		switch {
		case math.IsNaN(rb):
			return !math.IsNaN(ra)
		case math.IsNaN(ra):
			return false
		default:
			return ra > rb
		}
	})
	want = append(want, order[:nKeep]...)
	sort.Ints(want)

	sort.Float64s(valid)
	// upper middle element when the count is even
	median := valid[len(valid)/2]
	rescale = 1.0
	if median > 0 {
		rescale = 1 / math.Sqrt(median/100)
	} else {
		log.Warnf("variance filter: non-positive median ratio %v, rescale disabled", median)
	}

	for _, k := range want {
		means = append(means, res.mu[k])
		ratios = append(ratios, res.ratio[k])
	}
	threshold := stat.Quantile(1-cmd.topFraction, stat.Empirical, valid, nil)
	log.Infof("variance filter: kept %d of %d regions (ratio threshold %.3f, median %.3f, rescale %.3f)",
		len(want), len(res.ratio), threshold, median, rescale)
	return want, means, ratios, rescale
}

func writeNormalized(w io.Writer, res *normResult, want []int, means, ratios []float64, rescale float64) error {
	nw, err := newNormWriter(w, len(res.ids), means, ratios)
	if err != nil {
		return err
	}
	z := make([]float64, len(want))
	for i, id := range res.ids {
		for j, k := range want {
			z[j] = res.matrix.At(i, k) * rescale
		}
		if err := nw.WriteIndividual(id, res.scales[i], z); err != nil {
			return err
		}
	}
	return nw.Flush()
}

// writeNormalizedNpy writes the retained columns of the normalized
// matrix as a float64 .npy array for downstream Python tooling.
func writeNormalizedNpy(fnm string, res *normResult, want []int, rescale float64) error {
	n := len(res.ids)
	data := make([]float64, n*len(want))
	for i := 0; i < n; i++ {
		for j, k := range want {
			data[i*len(want)+j] = res.matrix.At(i, k) * rescale
		}
	}
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{n, len(want)}
	err = npw.WriteFloat64(data)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}
