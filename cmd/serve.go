package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/7byte/fatiguemonitor/internal"
	"github.com/7byte/fatiguemonitor/internal/api"
	"github.com/7byte/fatiguemonitor/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the fatigue analysis HTTP API",
	Long: `Serve the fatigue analysis HTTP API.

  POST /api/fatigue/analyze    multipart upload: video, employee_id, flight_id
  GET  /api/fatigue/{id}       one stored analysis (employee_id query)
  GET  /api/fatigue/history    analyses of an employee, newest first
  POST /api/fatigue/feedback   {"analysis_id", "employee_id", "score": 1-5}
  GET  /ws/live                live camera analysis over a websocket
  GET  /api/health, /api/metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "listen address")
	serveCmd.Flags().StringVar(&cfg.VideoDir, "video_dir", cfg.VideoDir, "directory for uploads and annotated videos")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	analyzer := newAnalyzer()
	if err := analyzer.Preload(); err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.VideoDir, 0o755); err != nil {
		return err
	}
	opts := api.Options{
		VideoDir:       cfg.VideoDir,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		MaxSessions:    int64(cfg.MaxConcurrentSessions),
	}
	if cfg.Transcode {
		if internal.FFmpegAvailable() {
			opts.Transcode = internal.TranscodeH264
		} else {
			slog.Warn("ffmpeg not found, annotated videos stay mp4v")
		}
	}

	srv := api.NewServer(api.FromPipeline(analyzer), st, opts, slog.Default())
	if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
