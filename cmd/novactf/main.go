// novactf reconstructs 3D-CTF corrected tomograms from tilt-series and their
// CTF estimations using novaCTF and IMOD.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"novactf/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	workDir    string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "novactf",
	Short: "3D-CTF corrected tomogram reconstruction with novaCTF",
	Long: `novactf pairs tilt-series with their CTF estimations and reconstructs
one tomogram per tilt-series with novaCTF, correcting the CTF for the
defocus gradient along the beam. IMOD is used to re-stack, align, flip and
reorient the intermediate stacks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Verbose = true
		}
		logger, err = newLogger(cfg)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if !cfg.Logging.JSON {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if cfg.Logging.Verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if cfg.Logging.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.Logging.File)
	}
	return zc.Build()
}

// signalContext is cancelled on SIGINT or SIGTERM so running commands are killed
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "w", "novactf-run", "Run directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(defocusCmd)
	rootCmd.AddCommand(reconstructCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(citeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
