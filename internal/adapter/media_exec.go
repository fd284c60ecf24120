package adapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/models"
)

const (
	// files above this size are fingerprinted from their head and tail only
	headTailThreshold = 50 << 20
	headTailChunk     = 10 << 20

	maxShortsDuration = 60 * time.Second
	maxReelsDuration  = 90 * time.Second
)

// default re-encode, trimming the first half second; fallback skips the trim
var (
	defaultTransformArgs  = []string{"-ss", "0.5", "-threads", "1", "-c:v", "libx264", "-preset", "veryfast", "-crf", "23", "-c:a", "aac", "-b:a", "96k"}
	fallbackTransformArgs = []string{"-threads", "1", "-c:v", "libx264", "-preset", "veryfast", "-crf", "23", "-c:a", "aac", "-b:a", "96k"}
)

// CommandRunner runs an external program and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecMediaConfig locates the media tools
type ExecMediaConfig struct {
	WorkDir     string
	YtDlpPath   string
	FFmpegPath  string
	FFprobePath string
	Timeout     time.Duration // per tool invocation
	Runner      CommandRunner // nil runs the real binaries
}

// ExecMediaPipeline implements MediaPipeline with yt-dlp, ffmpeg and ffprobe
type ExecMediaPipeline struct {
	cfg ExecMediaConfig
}

var _ MediaPipeline = (*ExecMediaPipeline)(nil)

// NewExecMediaPipeline creates a media pipeline rooted at cfg.WorkDir
func NewExecMediaPipeline(cfg ExecMediaConfig) (*ExecMediaPipeline, error) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if cfg.Runner == nil {
		cfg.Runner = runCommand
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create media work dir: %w", err)
	}
	return &ExecMediaPipeline{cfg: cfg}, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 - binaries come from operator configuration
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrToolMissing, name)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
	}
	return stdout.Bytes(), nil
}

func (p *ExecMediaPipeline) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	return p.cfg.Runner(ctx, name, args...)
}

// Acquire downloads sourceURL into a fresh directory under the work dir
func (p *ExecMediaPipeline) Acquire(ctx context.Context, sourceURL string) (*AcquiredMedia, error) {
	dir := filepath.Join(p.cfg.WorkDir, "job-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, NewAdapterError("", "acquire", err)
	}

	_, err := p.run(ctx, p.cfg.YtDlpPath,
		"--no-playlist", "--no-warnings",
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		sourceURL,
	)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, NewAdapterError("", "acquire", err)
	}

	path, err := newestFile(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, NewAdapterError("", "acquire", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewAdapterError("", "acquire", err)
	}
	fingerprint, method, err := Fingerprint(path)
	if err != nil {
		return &AcquiredMedia{Path: path}, NewAdapterError("", "fingerprint", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"file":        filepath.Base(path),
		"sizeBytes":   info.Size(),
		"fingerprint": shortHash(fingerprint),
	}).Info("Downloaded source media")

	return &AcquiredMedia{
		Path:        path,
		Fingerprint: fingerprint,
		Method:      method,
		SizeBytes:   info.Size(),
	}, nil
}

func newestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", ErrNoOutput
	}
	return best, nil
}

// Transform re-encodes path for upload. hint holds extra ffmpeg output
// arguments; when it fails the default and then the fallback encode are tried.
func (p *ExecMediaPipeline) Transform(ctx context.Context, path, hint, dest string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", NewAdapterError("", "transform", err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(filepath.Dir(path), "upload_"+stem+".mp4")

	var attempts [][]string
	if fields := strings.Fields(hint); len(fields) > 0 {
		attempts = append(attempts, fields)
	}
	attempts = append(attempts, defaultTransformArgs, fallbackTransformArgs)

	logger := logging.FromContext(ctx).WithField("destination", dest)
	var lastErr error
	for i, extra := range attempts {
		args := append([]string{"-y", "-i", path}, extra...)
		args = append(args, out)
		if _, err := p.run(ctx, p.cfg.FFmpegPath, args...); err != nil {
			lastErr = err
			if errors.Is(err, ErrToolMissing) || ctx.Err() != nil {
				break
			}
			logger.WithError(err).WithField("attempt", i+1).Warn("ffmpeg attempt failed")
			continue
		}
		if _, err := os.Stat(out); err != nil {
			lastErr = ErrNoOutput
			continue
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = ErrNoOutput
	}
	return "", NewAdapterError("", "transform", lastErr)
}

// Validate checks the duration limit for platform. Landscape and oversized
// files only produce warnings in the log.
func (p *ExecMediaPipeline) Validate(ctx context.Context, path, platform string) (*MediaCheck, error) {
	info, err := os.Stat(path)
	if err != nil {
		return &MediaCheck{Valid: false, Reason: "file does not exist"}, nil
	}

	check := &MediaCheck{Valid: true}
	if out, err := p.run(ctx, p.cfg.FFprobePath,
		"-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path,
	); err == nil {
		if secs, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64); perr == nil {
			check.Duration = time.Duration(secs * float64(time.Second))
		}
	} else if errors.Is(err, ErrToolMissing) {
		return nil, NewAdapterError(platform, "validate", err)
	}
	if out, err := p.run(ctx, p.cfg.FFprobePath,
		"-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height", "-of", "csv=s=x:p=0", path,
	); err == nil {
		check.Width, check.Height = parseDimensions(string(out))
	}

	limit := MaxDuration(platform)
	if check.Duration > limit {
		check.Valid = false
		check.Reason = fmt.Sprintf("duration %.1fs exceeds %s limit (%.0fs)", check.Duration.Seconds(), platform, limit.Seconds())
		return check, nil
	}

	logger := logging.FromContext(ctx).WithField("file", filepath.Base(path))
	if check.Width > check.Height && check.Height > 0 {
		logger.Warnf("horizontal video (%dx%d)", check.Width, check.Height)
	}
	if info.Size() > 256<<20 {
		logger.Warnf("large file (%d MB)", info.Size()>>20)
	}
	if check.Duration == 0 {
		logger.Warn("could not determine duration")
	}
	return check, nil
}

// MaxDuration is the longest clip a platform accepts
func MaxDuration(platform string) time.Duration {
	if platform == models.PlatformYouTube {
		return maxShortsDuration
	}
	return maxReelsDuration
}

func parseDimensions(s string) (int, int) {
	w, h, ok := strings.Cut(strings.TrimSpace(s), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

// Discard removes files and, when empty, the job directory holding them
func (p *ExecMediaPipeline) Discard(paths ...string) {
	root := filepath.Clean(p.cfg.WorkDir)
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.WithError(err).WithField("path", path).Warn("Failed to remove media file")
		}
		dir := filepath.Dir(path)
		if dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
			_ = os.Remove(dir) // only succeeds once empty
		}
	}
}

// Fingerprint hashes a file with SHA-256. Files above 50MB hash their first
// and last 10MB. It returns the hex digest and the method used.
func Fingerprint(path string) (string, string, error) {
	f, err := os.Open(path) // #nosec G304 - path is inside the media work dir
	if err != nil {
		return "", "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", "", err
	}

	h := sha256.New()
	if info.Size() <= headTailThreshold {
		if _, err := io.Copy(h, f); err != nil {
			return "", "", err
		}
		return hex.EncodeToString(h.Sum(nil)), "full", nil
	}

	if _, err := io.CopyN(h, f, headTailChunk); err != nil {
		return "", "", err
	}
	if _, err := f.Seek(-headTailChunk, io.SeekEnd); err != nil {
		return "", "", err
	}
	if _, err := io.CopyN(h, f, headTailChunk); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(h.Sum(nil)), "headtail", nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
