package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// execCommand runs an external command and logs its combined output.
func execCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	slog.Debug("exec command", "cmd", cmd)
	out, err := cmd.CombinedOutput()
	if string(out) != "" {
		slog.Debug("command finished", "output", string(out))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// FFmpegAvailable reports whether ffmpeg is on PATH.
func FFmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// TranscodeH264 re-encodes an annotated mp4v file to H.264 so browsers can
// play it, replacing path in place. On failure the original file is kept.
func TranscodeH264(ctx context.Context, path string) error {
	tmp := path + ".h264.mp4"
	slog.Info("transcoding output to H.264", "file", path)
	// ffmpeg -y -i in.mp4 -c:v libx264 -preset fast -crf 23 -movflags +faststart out.mp4
	if err := execCommand(ctx, "ffmpeg", "-y", "-i", path, "-c:v", "libx264", "-preset", "fast", "-crf", "23", "-movflags", "+faststart", tmp); err != nil {
		slog.Error("transcode failed, keeping original", "file", path, "error", err)
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace transcoded file: %w", err)
	}
	slog.Info("transcode done", "file", path)
	return nil
}
