// Package audio downloads voice messages and transcodes them into the format
// accepted by the transcription API.
//
// Artifacts are named after the identity key of the pipeline invocation
// (the user id), so a later invocation for the same key overwrites the
// previous files. The source file is removed after a successful transcode and
// left in place when transcoding fails.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voicegpt-bot/internal/domain"
)

// MaxDuration caps the encoded audio. The transcription API limits the
// encoded payload size, so the cut is applied at encode time.
const MaxDuration = 30 * time.Second

// MaxFileSize is the default cap on a downloaded voice file, in bytes.
const MaxFileSize = 15_000_000

const (
	sourceExt = ".ogg"
	targetExt = ".mp3"
)

// Runner executes an external command and returns what it wrote to stderr.
type Runner func(ctx context.Context, name string, args ...string) (stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

type Service struct {
	dir        string
	ffmpegPath string
	httpClient *http.Client
	run        Runner
	maxBytes   int64
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.httpClient = c
	}
}

func WithFFmpegPath(path string) Option {
	return func(s *Service) {
		if path = strings.TrimSpace(path); path != "" {
			s.ffmpegPath = path
		}
	}
}

// WithMaxFileSize caps how many bytes Acquire accepts from the source.
func WithMaxFileSize(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithRunner replaces the process runner used to invoke ffmpeg.
func WithRunner(r Runner) Option {
	return func(s *Service) {
		s.run = r
	}
}

// New creates a Service storing artifacts under dir.
func New(dir string, opts ...Option) (*Service, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("audio: directory must not be empty")
	}
	s := &Service{
		dir:        dir,
		ffmpegPath: "ffmpeg",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		run:        execRunner,
		maxBytes:   MaxFileSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if s.run == nil {
		s.run = execRunner
	}
	return s, nil
}

func (s *Service) SourcePath(identityKey string) string {
	return filepath.Join(s.dir, identityKey+sourceExt)
}

func (s *Service) TargetPath(identityKey string) string {
	return filepath.Join(s.dir, identityKey+targetExt)
}

// Acquire fetches sourceURL and stores it at SourcePath(identityKey),
// overwriting any previous file. Bodies larger than the configured maximum are
// rejected with domain.KindOversize. Errors never carry sourceURL, which may
// embed credentials.
func (s *Service) Acquire(ctx context.Context, sourceURL, identityKey string) (string, error) {
	if err := validateKey(identityKey); err != nil {
		return "", domain.NewError(domain.KindDownload, "invalid identity key", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", domain.NewError(domain.KindDownload, "create voices directory", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", domain.NewError(domain.KindDownload, "create request", err)
	}
	res, err := s.httpClient.Do(req)
	if err != nil {
		return "", domain.NewError(domain.KindDownload, "fetch voice", stripURL(err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", domain.NewError(domain.KindDownload, "fetch voice",
			fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(buf))))
	}

	path := s.SourcePath(identityKey)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", domain.NewError(domain.KindDownload, "open destination", err)
	}
	n, err := io.Copy(f, io.LimitReader(res.Body, s.maxBytes+1))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", domain.NewError(domain.KindDownload, "write voice", stripURL(err))
	}
	if err := f.Close(); err != nil {
		return "", domain.NewError(domain.KindDownload, "write voice", err)
	}
	if n > s.maxBytes {
		_ = os.Remove(path)
		return "", domain.NewError(domain.KindOversize, "fetch voice",
			fmt.Errorf("body exceeds %d bytes", s.maxBytes))
	}
	return path, nil
}

// Transcode converts sourcePath to mp3 at TargetPath(identityKey), keeping at
// most MaxDuration of input. The source is removed on success only.
func (s *Service) Transcode(ctx context.Context, sourcePath, identityKey string) (string, error) {
	if err := validateKey(identityKey); err != nil {
		return "", domain.NewError(domain.KindTranscode, "invalid identity key", err)
	}
	target := s.TargetPath(identityKey)
	args := []string{
		"-y",
		"-t", strconv.Itoa(int(MaxDuration / time.Second)),
		"-i", sourcePath,
		target,
	}
	stderr, err := s.run(ctx, s.ffmpegPath, args...)
	if err != nil {
		detail := lastLine(stderr)
		if detail == "" {
			detail = err.Error()
		}
		return "", domain.NewError(domain.KindTranscode, "ffmpeg", errors.New(detail))
	}

	if err := os.Remove(sourcePath); err != nil {
		slog.Warn("audio: remove source after transcode", "path", sourcePath, "err", err)
	}
	return target, nil
}

// Cleanup removes the transcoded artifact. Missing files are not an error.
func (s *Service) Cleanup(identityKey string) {
	if err := os.Remove(s.TargetPath(identityKey)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("audio: remove transcoded artifact", "key", identityKey, "err", err)
	}
}

// stripURL drops the request URL that net/http puts in transport errors.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("identity key is empty")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("identity key %q is not a plain file name", key)
	}
	return nil
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
