package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/7byte/fatiguemonitor/internal"
	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"github.com/spf13/cobra"
)

type analyzeFlags struct {
	inputPath  string
	outputPath string
	device     int
	jsonOut    bool
}

var aFlags analyzeFlags

var errAnalysisFailed = errors.New("analysis failed")

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze one video file or camera and print the fatigue level",
	Long: `Analyze one video file or camera and print the fatigue level.

With --output an annotated copy is written: a box around every detected
face, the running fatigue score, a NO FACE DETECTED banner and a timestamp.
Without --input the camera given by --device is analyzed until --frame_cap
frames have been read or the command is interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return analyze(ctx, cmd.OutOrStdout())
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&aFlags.inputPath, "input", "i", "", "video file to analyze")
	analyzeCmd.Flags().StringVarP(&aFlags.outputPath, "output", "o", "", "write the annotated video here")
	analyzeCmd.Flags().IntVar(&aFlags.device, "device", 0, "camera index, used when --input is empty")
	analyzeCmd.Flags().BoolVar(&aFlags.jsonOut, "json", false, "print the result as JSON")
	rootCmd.AddCommand(analyzeCmd)
}

func analyze(ctx context.Context, out io.Writer) error {
	req := internal.Request{Path: aFlags.inputPath, OutputPath: aFlags.outputPath}
	if aFlags.inputPath == "" {
		req.Live, req.Device = true, aFlags.device
		slog.Info("no input file, analyzing camera", "device", aFlags.device)
	}

	res, err := newAnalyzer().Analyze(ctx, req)
	if err != nil {
		slog.Error("analysis failed", "error", err)
	}
	if res.OK() && aFlags.outputPath != "" && cfg.Transcode {
		if err := internal.TranscodeH264(ctx, aFlags.outputPath); err != nil {
			slog.Warn("keeping mp4v output", "file", aFlags.outputPath, "error", err)
		}
	}

	if aFlags.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res)
	}

	switch res.ErrorKind {
	case fatigue.KindInvalidInput, fatigue.KindInternal:
		return fmt.Errorf("%w: %s", errAnalysisFailed, res.Error)
	}
	return nil
}

func printResult(w io.Writer, res fatigue.AnalysisResult) {
	if res.OK() {
		fmt.Fprintf(w, "Fatigue level: %s (%.1f%%)\n", res.Level, res.Percent)
	} else {
		fmt.Fprintf(w, "Fatigue level: %s\n", res.Level)
		fmt.Fprintf(w, "Error: %s\n", res.Error)
	}
	fmt.Fprintf(w, "Face detected: %.1f%% of %d frames\n", res.FaceDetectedRatio*100, res.FramesAnalyzed)
	if res.Resolution != "" {
		fmt.Fprintf(w, "Video: %s @ %d fps\n", res.Resolution, res.FPS)
	}
	fmt.Fprintf(w, "Processing time: %s\n", res.ProcessingTime)
}
