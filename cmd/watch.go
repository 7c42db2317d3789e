package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/7byte/fatiguemonitor/internal"
	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"github.com/7byte/fatiguemonitor/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

type watchFlags struct {
	inbox    string
	cronSpec string
}

var wFlags watchFlags

const (
	processedDir = "processed"
	failedDir    = "failed"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Analyze videos dropped into an inbox directory",
	Long: `Analyze videos dropped into an inbox directory.

Files must be named <employee_id>_<YYYYMMDDhhmmss>.<ext>, e.g.
1042_20250301083000.mp4. Each file is analyzed, the result is stored with the
recording time as its date, and the file is moved to processed/ (or failed/
when it could not be read).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&wFlags.inbox, "inbox", "i", "", "directory to watch for videos")
	watchCmd.Flags().StringVarP(&wFlags.cronSpec, "cron_spec", "c", "", "cron expression, e.g. \"@every 1m\"; empty runs one sweep, syntax: https://en.m.wikipedia.org/wiki/Cron")
	watchCmd.Flags().StringVar(&cfg.VideoDir, "video_dir", cfg.VideoDir, "directory for annotated videos")
	rootCmd.AddCommand(watchCmd)
}

func watch(ctx context.Context) error {
	if wFlags.inbox == "" {
		return fmt.Errorf("inbox path is empty")
	}
	analyzer := newAnalyzer()
	if err := analyzer.Preload(); err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	w := &watcher{analyzer: analyzer, store: st, inbox: wFlags.inbox, videoDir: cfg.VideoDir}
	if wFlags.cronSpec == "" {
		return w.sweep(ctx)
	}

	slog.Info("watch scheduled", "cron spec", wFlags.cronSpec, "inbox", wFlags.inbox)
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(wFlags.cronSpec, func() {
		slog.Debug("watch sweep")
		if err := w.sweep(ctx); err != nil {
			slog.Error("watch sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid cron spec: %w", err)
	}
	c.Start()
	<-ctx.Done()
	// wait for a running sweep to finish
	<-c.Stop().Done()
	return nil
}

// inboxVideo is a video waiting in the inbox.
type inboxVideo struct {
	path       string
	employeeID int64
	recorded   time.Time
}

// e.g. 1042_20250301083000.mp4
var inboxFileReg = regexp.MustCompile(`(?i)^(\d+)_(\d{14})\.(mp4|avi|mov|webm|mkv)$`)

func parseInboxName(name string) (employeeID int64, recorded time.Time, ok bool) {
	m := inboxFileReg.FindStringSubmatch(name)
	if m == nil {
		return 0, time.Time{}, false
	}
	employeeID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || employeeID <= 0 {
		return 0, time.Time{}, false
	}
	recorded, err = time.ParseInLocation("20060102150405", m[2], time.Local)
	if err != nil {
		return 0, time.Time{}, false
	}
	return employeeID, recorded, true
}

// findInboxVideos lists valid inbox files, oldest recording first. The
// processed and failed directories are skipped.
func findInboxVideos(inbox string) ([]inboxVideo, error) {
	var videos []inboxVideo
	err := filepath.WalkDir(inbox, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != inbox && (d.Name() == processedDir || d.Name() == failedDir) {
				return filepath.SkipDir
			}
			return nil
		}
		employeeID, recorded, ok := parseInboxName(d.Name())
		if !ok {
			return nil
		}
		slog.Debug("found inbox video", "file", d.Name())
		videos = append(videos, inboxVideo{path: path, employeeID: employeeID, recorded: recorded})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].recorded.Before(videos[j].recorded)
	})
	return videos, nil
}

type analysisRunner interface {
	Analyze(ctx context.Context, req internal.Request) (fatigue.AnalysisResult, error)
}

type analysisSaver interface {
	SaveAnalysis(ctx context.Context, a *store.Analysis) error
}

type watcher struct {
	analyzer analysisRunner
	store    analysisSaver
	inbox    string
	videoDir string
}

func (w *watcher) sweep(ctx context.Context) error {
	videos, err := findInboxVideos(w.inbox)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, v := range videos {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.process(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (w *watcher) process(ctx context.Context, v inboxVideo) error {
	name := strings.TrimSuffix(filepath.Base(v.path), filepath.Ext(v.path))
	output := filepath.Join(w.videoDir, "analyzed_"+name+".mp4")
	slog.Info("analyzing inbox video", "file", v.path, "employee_id", v.employeeID)

	res, err := w.analyzer.Analyze(ctx, internal.Request{Path: v.path, OutputPath: output})
	if err != nil {
		slog.Warn("inbox analysis failed", "file", v.path, "error", err, "kind", res.ErrorKind)
	}
	if ctx.Err() != nil {
		os.Remove(output)
		return nil
	}

	dest := processedDir
	switch {
	case res.OK():
		if cfg.Transcode {
			if err := internal.TranscodeH264(ctx, output); err != nil {
				slog.Warn("keeping mp4v output", "file", output, "error", err)
			}
		}
		rec := store.FromResult(res, v.employeeID, nil, store.TypeVideo, output)
		rec.AnalysisDate = v.recorded.UTC()
		if err := w.store.SaveAnalysis(ctx, &rec); err != nil {
			// leave the file in the inbox for the next sweep
			return fmt.Errorf("store %s: %w", v.path, err)
		}
		slog.Info("inbox video analyzed", "file", v.path, "analysis_id", rec.ID, "level", rec.Level)
	case res.ErrorKind == fatigue.KindNoFace:
		os.Remove(output)
		slog.Info("no face in inbox video", "file", v.path)
	default:
		os.Remove(output)
		dest = failedDir
	}
	return moveTo(v.path, filepath.Join(w.inbox, dest))
}

func moveTo(path, dir string) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}
