package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"novactf/internal/executor"
	"novactf/pkg/catalog"
	"novactf/pkg/config"
	"novactf/pkg/imod"
	"novactf/pkg/manifest"
	"novactf/pkg/reconstruction"
)

var (
	defocusFormat string
	flipYZ        bool
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Compute the defocus files and reconstruct every tilt-series",
	Args:  cobra.ExactArgs(1),
	RunE:  runReconstruction,
}

var defocusCmd = &cobra.Command{
	Use:   "defocus <manifest>",
	Short: "Compute the defocus files only, for a later reconstruct",
	Args:  cobra.ExactArgs(1),
	RunE:  runDefocus,
}

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct <defocus-run>",
	Short: "Reconstruct tomograms from the defocus files of a defocus run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStaged,
}

var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Check a manifest against the configuration without running anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var summaryCmd = &cobra.Command{
	Use:   "summary [run-dir]",
	Short: "Summarize a run directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSummary,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInitConfig,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that novaCTF and the IMOD tools can be found",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

var citeCmd = &cobra.Command{
	Use:   "cite",
	Short: "Print the novaCTF reference",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), citation)
		return err
	},
}

func init() {
	defocusCmd.Flags().StringVar(&defocusFormat, "format", "", "Defocus file format: imod or ctffind4 (default: from configuration)")
	reconstructCmd.Flags().BoolVar(&flipYZ, "flip-yz", false, "Reorient the volume with trimvol -yz instead of -rx")
}

const citation = `@article{Turonova2017,
  title = {Efficient 3D-CTF correction for cryo-electron tomography using NovaCTF improves subtomogram averaging resolution to 3.4 {\AA}},
  journal = {Journal of Structural Biology},
  volume = {199},
  number = {3},
  pages = {187-195},
  year = {2017},
  doi = {10.1016/j.jsb.2017.07.007},
  author = {Beata Turoňová and Florian K.M. Schur and William Wan and John A.G. Briggs}
}
`

// prepare loads the manifest and checks it against the configuration
func prepare(out io.Writer, manifestPath string) (*manifest.Manifest, *reconstruction.Params, error) {
	input, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, nil, err
	}
	params, err := reconstruction.ParamsFromConfig(cfg, workDir)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range reconstruction.Warnings(input) {
		fmt.Fprintln(out, "WARNING:", w)
	}
	if errs := reconstruction.Validate(params, input); len(errs) > 0 {
		return nil, nil, errors.New(strings.Join(errs, "\n"))
	}
	for _, st := range reconstruction.InputStats(input) {
		logger.Info("Input", zap.Stringer("series", st))
	}
	return input, params, nil
}

func tools() reconstruction.Tools {
	e := executor.NewDirectExecutor(logger)
	e.DefaultTimeout = cfg.Execution.CommandTimeout
	return reconstruction.ToolsFromConfig(cfg, e, logger)
}

// processor is a protocol ready to run
type processor interface {
	Process(ctx context.Context) error
	Failed() map[string]error
}

func process(cmd *cobra.Command, p processor) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	start := time.Now()
	err := p.Process(ctx)
	for id, ferr := range p.Failed() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s failed: %v\n", id, ferr)
	}
	if err != nil {
		return err
	}
	logger.Info("Done", zap.Duration("took", time.Since(start)), zap.String("workdir", workDir))
	return nil
}

func runReconstruction(cmd *cobra.Command, args []string) error {
	input, params, err := prepare(cmd.OutOrStdout(), args[0])
	if err != nil {
		return err
	}
	r := reconstruction.NewReconstructor(params, input, tools(), logger)
	if err := process(cmd, r); err != nil {
		return err
	}
	return printSummary(cmd.OutOrStdout(), workDir)
}

func runDefocus(cmd *cobra.Command, args []string) error {
	if defocusFormat != "" {
		cfg.CTF.DefocusFileFormat = defocusFormat
	}
	input, params, err := prepare(cmd.OutOrStdout(), args[0])
	if err != nil {
		return err
	}
	d := reconstruction.NewDefocusEstimator(params, input, args[0], tools(), logger)
	if err := process(cmd, d); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Defocus files written to %s\n", workDir)
	return nil
}

func runStaged(cmd *cobra.Command, args []string) error {
	params, err := reconstruction.ParamsFromConfig(cfg, workDir)
	if err != nil {
		return err
	}
	if mustAbs(args[0]) == mustAbs(workDir) {
		return fmt.Errorf("the reconstruction needs its own --workdir, %s holds the defocus run", args[0])
	}
	r, err := reconstruction.NewStagedReconstructor(params, args[0], tools(), logger)
	if err != nil {
		return err
	}
	if flipYZ {
		r.Rotation = imod.FlipYZ
	}
	if err := process(cmd, r); err != nil {
		return err
	}
	return printSummary(cmd.OutOrStdout(), workDir)
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	input, params, err := prepare(out, args[0])
	if err != nil {
		return err
	}
	matching, nonMatching := input.Match()
	fmt.Fprintf(out, "Matching tilt-series: %d\n", len(matching))
	if len(nonMatching) > 0 {
		fmt.Fprintf(out, "Non-matching tsIds: %s\n", strings.Join(nonMatching, ", "))
	}
	for _, st := range reconstruction.InputStats(input) {
		fmt.Fprintln(out, " ", st)
	}
	fmt.Fprintf(out, "Thickness %d, shift %d, defocus step %d nm, %s, astigmatism correction %t\n",
		params.Thickness, params.Shift, params.DefocusStep, params.CorrectionType, params.CorrectAstigmatism)
	if len(matching) == 0 {
		return reconstruction.ErrNoMatchingSeries
	}
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	dir := workDir
	if len(args) == 1 {
		dir = args[0]
	}
	if _, err := os.Stat(filepath.Join(dir, catalog.FileName)); err != nil {
		return fmt.Errorf("%s is not a run directory: %w", dir, err)
	}
	return printSummary(cmd.OutOrStdout(), dir)
}

func printSummary(out io.Writer, dir string) error {
	s, err := reconstruction.Summarize(dir)
	if err != nil {
		return err
	}
	for _, line := range s.Lines() {
		fmt.Fprintln(out, line)
	}
	for _, t := range s.Tomograms {
		fmt.Fprintf(out, "  %s  %dx%dx%d  %.2f Å/px  %s\n",
			t.TsID, t.Dims.X, t.Dims.Y, t.Dims.Z, t.SamplingRate, t.FileName)
	}
	if methods := s.Methods(); len(methods) > 0 {
		fmt.Fprintln(out)
		for _, m := range methods {
			fmt.Fprintln(out, m)
		}
	}
	return nil
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	path := "novactf.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
	return nil
}

// imodTools are the IMOD programs a run invokes
var imodTools = []string{"newstack", "clip", "trimvol", "alterheader"}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	tk := imod.NewToolkit(cfg.Binaries.IMODDir, nil, logger)

	programs := append([]string{cfg.Binaries.NovaCTF}, imodTools...)
	var missing []string
	for i, p := range programs {
		if i > 0 {
			p = tk.ToolPath(p)
		}
		path, err := exec.LookPath(p)
		if err != nil {
			missing = append(missing, p)
			fmt.Fprintf(out, "%-12s missing\n", filepath.Base(p))
			continue
		}
		fmt.Fprintf(out, "%-12s %s\n", filepath.Base(p), path)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d programs not found: %s", len(missing), strings.Join(missing, ", "))
	}
	return nil
}
