package imod

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"novactf/internal/models"
)

// writeFile creates path and hands a buffered writer to fn
func writeFile(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTlt writes one tilt angle per line, in the order given
func WriteTlt(path string, images []models.TiltImage) error {
	return writeFile(path, func(w *bufio.Writer) error {
		for _, ti := range images {
			if _, err := fmt.Fprintf(w, "%.2f\n", ti.TiltAngle); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteXf writes the linear transforms of the given views. Views without a
// transform get the identity.
func WriteXf(path string, images []models.TiltImage) error {
	identity := models.Transform{{1, 0, 0}, {0, 1, 0}}
	return writeFile(path, func(w *bufio.Writer) error {
		for _, ti := range images {
			m := identity
			if ti.Transform != nil {
				m = *ti.Transform
			}
			_, err := fmt.Fprintf(w, "%12.7f%12.7f%12.7f%12.7f%12.3f%12.3f\n",
				m[0][0], m[0][1], m[1][0], m[1][1], m[0][2], m[1][2])
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// DefocusEntry pairs a view with its CTF estimation
type DefocusEntry struct {
	TiltAngle float64
	CTF       models.CTFTomo
}

// DefocusEntries joins the present views with their estimations. Views are
// kept in the given order.
func DefocusEntries(images []models.TiltImage, ctf *models.CTFTomoSeries) ([]DefocusEntry, error) {
	entries := make([]DefocusEntry, 0, len(images))
	for _, ti := range images {
		est, ok := ctf.Estimation(ti.AcqOrder)
		if !ok {
			return nil, fmt.Errorf("no CTF estimation for acquisition order %d", ti.AcqOrder)
		}
		entries = append(entries, DefocusEntry{TiltAngle: ti.TiltAngle, CTF: est})
	}
	return entries, nil
}

// WriteDefocus writes an IMOD ctfplotter defocus file. The columns depend on
// the flag: 1 adds astigmatism, 4 phase shift, 32 cut-on frequency. Views are
// numbered from 1 and defocus values are written in nm.
func WriteDefocus(path string, flag int, entries []DefocusEntry) error {
	switch flag {
	case models.DefocusFlagPlain, models.DefocusFlagAstig, models.DefocusFlagPhase,
		models.DefocusFlagAstigPhase, models.DefocusFlagFull:
	default:
		return fmt.Errorf("unsupported IMOD defocus file flag %d", flag)
	}
	return writeFile(path, func(w *bufio.Writer) error {
		return encodeDefocus(w, flag, entries)
	})
}

func encodeDefocus(w io.Writer, flag int, entries []DefocusEntry) error {
	if flag != models.DefocusFlagPlain {
		// version 3 files start with a flags line
		if _, err := fmt.Fprintf(w, "%d\t0\t0.0\t0.0\t0.0\t3\n", flag); err != nil {
			return err
		}
	}

	for i, e := range entries {
		view := i + 1
		line := fmt.Sprintf("%d\t%d\t%.2f\t%.2f", view, view, e.TiltAngle, e.TiltAngle)
		defU, defV := e.CTF.DefocusU/10, e.CTF.DefocusV/10

		switch flag {
		case models.DefocusFlagPlain:
			line += fmt.Sprintf("\t%.1f", defU)
			if i == 0 {
				line += "\t2"
			}
		case models.DefocusFlagAstig:
			line += fmt.Sprintf("\t%.1f\t%.1f\t%.2f", defU, defV, e.CTF.DefocusAngle)
		case models.DefocusFlagPhase:
			line += fmt.Sprintf("\t%.1f\t%.2f", defU, e.CTF.PhaseShift)
		case models.DefocusFlagAstigPhase:
			line += fmt.Sprintf("\t%.1f\t%.1f\t%.2f\t%.2f", defU, defV, e.CTF.DefocusAngle, e.CTF.PhaseShift)
		case models.DefocusFlagFull:
			line += fmt.Sprintf("\t%.1f\t%.1f\t%.2f\t%.2f\t%.4f", defU, defV, e.CTF.DefocusAngle, e.CTF.PhaseShift, e.CTF.CutOnFreq)
		}

		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

const ctffind4Header = "# Columns: #1 - micrograph number; #2 - defocus 1 [Angstroms]; #3 - defocus 2; " +
	"#4 - azimuth of astigmatism; #5 - additional phase shift [radians]; #6 - cross correlation; " +
	"#7 - spacing (in Angstroms) up to which CTF rings were fit successfully\n"

// WriteCtffind4Defocus writes the per-view estimations in the ctffind4
// output layout. Azimuths are converted to the ctffind convention.
func WriteCtffind4Defocus(path string, entries []DefocusEntry) error {
	return writeFile(path, func(w *bufio.Writer) error {
		if _, err := io.WriteString(w, ctffind4Header); err != nil {
			return err
		}
		for i, e := range entries {
			_, err := fmt.Fprintf(w, "%.6f\t%.6f\t%.6f\t%.6f\t%.6f\t%.6f\t%.6f\n",
				float64(i+1),
				e.CTF.DefocusU,
				e.CTF.DefocusV,
				e.CTF.DefocusAngle-180,
				e.CTF.PhaseShift*math.Pi/180,
				e.CTF.FitQuality,
				e.CTF.Resolution)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
