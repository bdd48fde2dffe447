package reconstruction

import (
	"path/filepath"

	"novactf/pkg/novactf"
)

// Run directory layout
const (
	tmpDir   = "tmp"
	extraDir = "extra"
)

// seriesPaths names every file produced for one tilt-series
type seriesPaths struct {
	tsID  string
	tmp   string
	extra string

	// defocusDir holds the defocus files, the tmp directory unless they come
	// from an earlier defocus run
	defocusDir string
}

func newSeriesPaths(workDir, tsID string) seriesPaths {
	tmp := filepath.Join(workDir, tmpDir, tsID)
	return seriesPaths{
		tsID:       tsID,
		tmp:        tmp,
		extra:      filepath.Join(workDir, extraDir, tsID),
		defocusDir: tmp,
	}
}

func (p seriesPaths) tmpFile(suffix string) string {
	return filepath.Join(p.tmp, p.tsID+suffix)
}

func (p seriesPaths) stack() string        { return p.tmpFile(".mrc") }
func (p seriesPaths) tlt() string          { return p.tmpFile(".tlt") }
func (p seriesPaths) xf() string           { return p.tmpFile(".xf") }
func (p seriesPaths) defocusShift() string { return p.tmpFile(".def_shift") }
func (p seriesPaths) filter() string       { return p.tmpFile("_filter.mrc") }
func (p seriesPaths) recTmp() string       { return p.tmpFile("_rec.mrc") }

func (p seriesPaths) defocus() string {
	return filepath.Join(p.defocusDir, p.tsID+".defocus")
}

func (p seriesPaths) defocusAt(i int) string { return novactf.Indexed(p.defocus(), i) }
func (p seriesPaths) stackAt(i int) string   { return novactf.Indexed(p.stack(), i) }
func (p seriesPaths) aliAt(i int) string     { return novactf.Indexed(p.tmpFile("_ali.mrc"), i) }
func (p seriesPaths) flipAt(i int) string    { return novactf.Indexed(p.tmpFile("_flip.mrc"), i) }
func (p seriesPaths) filterAt(i int) string  { return novactf.Indexed(p.filter(), i) }

// final is the reconstructed tomogram kept after the run
func (p seriesPaths) final() string {
	return filepath.Join(p.extra, p.tsID+".mrc")
}
