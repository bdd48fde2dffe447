package reconstruction

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"novactf/internal/models"
	"novactf/pkg/catalog"
	"novactf/pkg/manifest"
)

// Validate lists the blocking problems of the inputs. Astigmatism correction
// needs CTF estimations that carry astigmatism.
func Validate(params *Params, input *manifest.Manifest) []string {
	var errs []string
	if !params.CorrectAstigmatism {
		return errs
	}
	matching, _ := input.Match()
	for _, id := range matching {
		ctf, _ := input.CTFByID(id)
		if !ctf.HasAstigmatism() {
			errs = append(errs, fmt.Sprintf(
				"CTF estimation of %s does not have astigmatism values (defocus file flag %d), "+
					"disable astigmatism correction", id, ctf.DefocusFileFlag))
		}
	}
	return errs
}

// Warnings lists what the reconstruction will do differently than expected
func Warnings(input *manifest.Manifest) []string {
	var warnings []string
	for _, id := range input.TsIDs() {
		ts, _ := input.TiltSeriesByID(id)
		if !ts.HasAlignment() {
			warnings = append(warnings, fmt.Sprintf(
				"Tilt-series %s does not have alignment information, the tomogram will be reconstructed from unaligned views", id))
			break
		}
	}
	return warnings
}

// SeriesStats describes the views and the defocus of one tilt-series
type SeriesStats struct {
	TsID        string
	Views       int
	Excluded    int
	MinTilt     float64
	MaxTilt     float64
	MeanDefocus float64
	StdDefocus  float64
}

// Stats computes the statistics of the views shared by a tilt-series and its
// CTF estimation
func Stats(ts *models.TiltSeries, ctf *models.CTFTomoSeries) SeriesStats {
	st := SeriesStats{TsID: ts.TsID}
	present := ts.Present(models.CommonAcqOrders(ts, ctf))
	st.Views = len(present)
	st.Excluded = len(ts.Images) - len(present)
	if len(present) == 0 {
		return st
	}

	angles := make([]float64, len(present))
	defocus := make([]float64, 0, len(present))
	for i, ti := range present {
		angles[i] = ti.TiltAngle
		if est, ok := ctf.Estimation(ti.AcqOrder); ok {
			defocus = append(defocus, est.MeanDefocus())
		}
	}
	st.MinTilt = floats.Min(angles)
	st.MaxTilt = floats.Max(angles)
	if len(defocus) > 1 {
		st.MeanDefocus, st.StdDefocus = stat.MeanStdDev(defocus, nil)
	} else if len(defocus) == 1 {
		st.MeanDefocus = defocus[0]
	}
	return st
}

// InputStats returns the statistics of every matching tilt-series
func InputStats(input *manifest.Manifest) []SeriesStats {
	matching, _ := input.Match()
	out := make([]SeriesStats, 0, len(matching))
	for _, id := range matching {
		ts, _ := input.TiltSeriesByID(id)
		ctf, _ := input.CTFByID(id)
		out = append(out, Stats(ts, ctf))
	}
	return out
}

func (s SeriesStats) String() string {
	return fmt.Sprintf("%s: %d views (%d excluded), tilt %.1f to %.1f deg, defocus %.0f ± %.0f Å",
		s.TsID, s.Views, s.Excluded, s.MinTilt, s.MaxTilt, s.MeanDefocus, s.StdDefocus)
}

// Summary is what a finished run left in its catalog
type Summary struct {
	Inputs      int
	Tomograms   []models.Tomogram
	Stacks      map[string]int
	State       catalog.StreamState
	NonMatching string
	Failed      string
}

// Summarize reads the catalog of the run in dir
func Summarize(dir string) (*Summary, error) {
	cat, err := catalog.Open(dir)
	if err != nil {
		return nil, err
	}
	defer cat.Close()

	s := &Summary{}
	if s.Tomograms, err = cat.Tomograms(); err != nil {
		return nil, err
	}
	if s.Stacks, err = cat.StackCounts(); err != nil {
		return nil, err
	}
	if s.State, err = cat.StreamState(); err != nil {
		return nil, err
	}
	if s.NonMatching, err = cat.Note(NoteNonMatching); err != nil {
		return nil, err
	}
	if s.Failed, err = cat.Note(NoteFailed); err != nil {
		return nil, err
	}
	inputs, err := cat.Note(NoteInputCount)
	if err != nil {
		return nil, err
	}
	if inputs != "" {
		if s.Inputs, err = strconv.Atoi(inputs); err != nil {
			return nil, fmt.Errorf("invalid input count %q: %w", inputs, err)
		}
	}
	return s, nil
}

// Lines returns the summary as text lines
func (s *Summary) Lines() []string {
	if s.Inputs == 0 && len(s.Tomograms) == 0 {
		return []string{"Output tomograms not ready yet."}
	}
	lines := []string{fmt.Sprintf("Input tilt-series: %d", s.Inputs)}
	if len(s.Stacks) > 0 {
		var total []float64
		for _, n := range s.Stacks {
			total = append(total, float64(n))
		}
		lines = append(lines, fmt.Sprintf("Intermediate stacks per tilt-series: %.0f to %.0f",
			floats.Min(total), floats.Max(total)))
	}
	lines = append(lines, fmt.Sprintf("Tomograms reconstructed: %d (set %s)", len(s.Tomograms), s.State))
	if s.Failed != "" {
		lines = append(lines, "Failed tilt-series: "+s.Failed)
	}
	if s.NonMatching != "" {
		lines = append(lines, s.NonMatching)
	}
	return lines
}

// Methods describes the processing for a methods section
func (s *Summary) Methods() []string {
	if len(s.Tomograms) == 0 {
		return nil
	}
	return []string{fmt.Sprintf(
		"%d tomograms were reconstructed with 3D CTF correction using novaCTF [Turonova2017].",
		len(s.Tomograms))}
}

// String joins the summary lines
func (s *Summary) String() string {
	return strings.Join(s.Lines(), "\n")
}
