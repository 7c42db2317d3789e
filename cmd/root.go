package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/7byte/fatiguemonitor/internal"
	"github.com/7byte/fatiguemonitor/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// cfg starts from the environment; flags override it.
var cfg = config.Load()

var rootCmd = &cobra.Command{
	Use:   "fatiguemonitor",
	Short: "Crew fatigue analysis from face video",
	Long: `Crew fatigue analysis from face video.

Each frame is searched for a face, the most confident face is scored by a
pretrained network and the last N scores are averaged into a fatigue level
(Low, Medium, High).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return cfg.Validate()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfg.LogLevel, "log_level", "l", cfg.LogLevel, "log level (debug, info, warn, error)")
	pf.StringVar(&cfg.LogFile, "log_file", cfg.LogFile, "also write logs to this file, rotated by size")

	pf.StringVarP(&cfg.ModelPath, "model_path", "m", cfg.ModelPath, "fatigue model (ONNX)")
	pf.StringVar(&cfg.ScorerBackend, "scorer_backend", cfg.ScorerBackend, "scoring backend: opencv, onnxruntime")
	pf.StringVar(&cfg.ModelLayout, "model_layout", cfg.ModelLayout, "model input layout: nhwc, nchw")
	pf.StringVar(&cfg.Detector, "detector", cfg.Detector, "face detector: yunet, haar, pigo")
	pf.StringVar(&cfg.DetectorModel, "detector_model", cfg.DetectorModel, `face detector model; yunet: https://github.com/opencv/opencv_zoo/tree/main/models/face_detection_yunet`)
	pf.Float64Var(&cfg.Confidence, "confidence", cfg.Confidence, "minimum face detection confidence")
	pf.IntVar(&cfg.MinFaceSize, "min_face_size", cfg.MinFaceSize, "faces smaller than this many pixels are not scored")
	pf.IntVar(&cfg.BufferSize, "buffer_size", cfg.BufferSize, "number of recent scores averaged into the result")
	pf.IntVar(&cfg.FrameCap, "frame_cap", cfg.FrameCap, "stop after this many frames, 0 for no limit")
	pf.DurationVar(&cfg.GracePeriod, "grace_period", cfg.GracePeriod, "how long a face may be missing before a worst-case score is recorded")
	pf.BoolVar(&cfg.Transcode, "transcode", cfg.Transcode, "re-encode annotated output to H.264 with ffmpeg")
	cobra.OnInitialize(initLog)
}

func initLog() {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30,
		})
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(h))
}

func newAnalyzer() *internal.Analyzer {
	return internal.NewAnalyzer(internal.AnalyzerConfig{
		Session: internal.SessionOptions{
			BufferSize:  cfg.BufferSize,
			FrameCap:    cfg.FrameCap,
			MinFaceSize: cfg.MinFaceSize,
			Confidence:  cfg.Confidence,
			GracePeriod: cfg.GracePeriod,
			InputSize:   cfg.InputSize,
		},
		Scorer: internal.ScorerOptions{
			Backend:     cfg.ScorerBackend,
			ModelPath:   cfg.ModelPath,
			Layout:      cfg.ModelLayout,
			InputSize:   cfg.InputSize,
			InputName:   cfg.InputName,
			OutputName:  cfg.OutputName,
			LibraryPath: cfg.ORTLibrary,
		},
		Detector:      cfg.Detector,
		DetectorModel: cfg.DetectorModel,
		OutputCodec:   cfg.OutputCodec,
		OutputFPS:     cfg.OutputFPS,
	}, slog.Default())
}
