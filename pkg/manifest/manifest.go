// Package manifest loads the description of the input data of a run: a set
// of tilt-series and the set of CTF estimations associated with them.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"novactf/internal/models"
)

// Manifest is the input of a run
type Manifest struct {
	// SamplingRate is the pixel size in Å shared by every series unless
	// a series overrides it
	SamplingRate float64 `yaml:"samplingRate"`

	// Acquisition is shared by every series unless a series overrides it
	Acquisition models.Acquisition `yaml:"acquisition"`

	TiltSeries []models.TiltSeries    `yaml:"tiltSeries"`
	CTFSeries  []models.CTFTomoSeries `yaml:"ctfSeries"`

	dir string
}

// Load reads a manifest file. Relative stack paths are resolved against the
// manifest directory and set-level values are propagated to the series.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes a manifest whose relative paths are relative to dir
func Parse(data []byte, dir string) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	m.dir = dir

	for i := range m.TiltSeries {
		ts := &m.TiltSeries[i]
		if ts.SamplingRate == 0 {
			ts.SamplingRate = m.SamplingRate
		}
		if ts.Acquisition == nil {
			acq := m.Acquisition
			ts.Acquisition = &acq
		}
		if ts.StackFile != "" && !filepath.IsAbs(ts.StackFile) {
			ts.StackFile = filepath.Join(dir, ts.StackFile)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the manifest is usable
func (m *Manifest) Validate() error {
	if len(m.TiltSeries) == 0 {
		return errors.New("manifest has no tilt-series")
	}
	if len(m.CTFSeries) == 0 {
		return errors.New("manifest has no CTF estimations")
	}

	seen := make(map[string]bool)
	for _, ts := range m.TiltSeries {
		if err := checkTsID(ts.TsID); err != nil {
			return err
		}
		if seen[ts.TsID] {
			return fmt.Errorf("duplicated tilt-series %s", ts.TsID)
		}
		seen[ts.TsID] = true

		if ts.StackFile == "" {
			return fmt.Errorf("tilt-series %s has no stack file", ts.TsID)
		}
		if ts.SamplingRate <= 0 {
			return fmt.Errorf("tilt-series %s has no sampling rate", ts.TsID)
		}
		if len(ts.Images) == 0 {
			return fmt.Errorf("tilt-series %s has no images", ts.TsID)
		}
		sections := make(map[int]bool, len(ts.Images))
		for _, ti := range ts.Images {
			if ti.Index < 1 {
				return fmt.Errorf("tilt-series %s: image %d has no stack index", ts.TsID, ti.AcqOrder)
			}
			if sections[ti.Index] {
				return fmt.Errorf("tilt-series %s: stack index %d is used by more than one image", ts.TsID, ti.Index)
			}
			sections[ti.Index] = true
		}
	}

	seen = make(map[string]bool)
	for _, c := range m.CTFSeries {
		if c.TsID == "" {
			return errors.New("CTF series without tsId")
		}
		if err := checkTsID(c.TsID); err != nil {
			return err
		}
		if seen[c.TsID] {
			return fmt.Errorf("duplicated CTF series %s", c.TsID)
		}
		seen[c.TsID] = true
	}
	return nil
}

// checkTsID rejects ids that cannot name a directory inside the run directory
func checkTsID(id string) error {
	switch {
	case id == "":
		return errors.New("tilt-series without tsId")
	case id == "." || id == "..", strings.ContainsAny(id, `/\`), filepath.Base(id) != id:
		return fmt.Errorf("tsId %q cannot be used as a directory name", id)
	}
	return nil
}

// Dir returns the directory relative paths were resolved against
func (m *Manifest) Dir() string {
	return m.dir
}

// TsIDs returns the tilt-series ids, sorted
func (m *Manifest) TsIDs() []string {
	ids := make([]string, 0, len(m.TiltSeries))
	for _, ts := range m.TiltSeries {
		ids = append(ids, ts.TsID)
	}
	sort.Strings(ids)
	return ids
}

// CTFTsIDs returns the ids of the CTF series, sorted
func (m *Manifest) CTFTsIDs() []string {
	ids := make([]string, 0, len(m.CTFSeries))
	for _, c := range m.CTFSeries {
		ids = append(ids, c.TsID)
	}
	sort.Strings(ids)
	return ids
}

// TiltSeriesByID returns the tilt-series with the given id
func (m *Manifest) TiltSeriesByID(id string) (*models.TiltSeries, bool) {
	for i := range m.TiltSeries {
		if m.TiltSeries[i].TsID == id {
			return &m.TiltSeries[i], true
		}
	}
	return nil, false
}

// CTFByID returns the CTF series with the given id
func (m *Manifest) CTFByID(id string) (*models.CTFTomoSeries, bool) {
	for i := range m.CTFSeries {
		if m.CTFSeries[i].TsID == id {
			return &m.CTFSeries[i], true
		}
	}
	return nil, false
}

// Match splits the tilt-series ids into those with a CTF estimation and the
// ids present in only one of the two sets
func (m *Manifest) Match() (matching, nonMatching []string) {
	ctf := make(map[string]bool)
	for _, id := range m.CTFTsIDs() {
		ctf[id] = true
	}
	ts := make(map[string]bool)
	for _, id := range m.TsIDs() {
		ts[id] = true
		if ctf[id] {
			matching = append(matching, id)
		} else {
			nonMatching = append(nonMatching, id)
		}
	}
	for _, id := range m.CTFTsIDs() {
		if !ts[id] {
			nonMatching = append(nonMatching, id)
		}
	}
	sort.Strings(nonMatching)
	return matching, nonMatching
}
