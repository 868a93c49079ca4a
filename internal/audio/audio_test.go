package audio

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"voicegpt-bot/internal/domain"
)

var oggPayload = []byte("OggS\x00\x02fake-opus-voice")

func newService(t *testing.T, opts ...Option) (*Service, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "voices")
	s, err := New(dir, opts...)
	require.NoError(t, err)
	return s, dir
}

func TestNew_EmptyDir(t *testing.T) {
	_, err := New(" ")
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Acquire
// ---------------------------------------------------------------------------

func TestAcquire_WritesUnderIdentityKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/file/bot123/voice/file_7.oga", r.URL.Path)
		_, _ = w.Write(oggPayload)
	}))
	defer srv.Close()

	s, dir := newService(t)
	path, err := s.Acquire(context.Background(), srv.URL+"/file/bot123/voice/file_7.oga", "42")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "42.ogg"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, oggPayload, got)
}

func TestAcquire_OverwritesPreviousFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "short")
	}))
	defer srv.Close()

	s, dir := newService(t)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(s.SourcePath("42"), []byte("a much longer stale payload"), 0o600))

	path, err := s.Acquire(context.Background(), srv.URL, "42")
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "short", string(got))
}

func TestAcquire_UpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "file expired", http.StatusNotFound)
	}))
	defer srv.Close()

	s, _ := newService(t)
	_, err := s.Acquire(context.Background(), srv.URL, "42")
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindDownload))
	require.Contains(t, err.Error(), "404")
	require.Contains(t, err.Error(), "file expired")
}

func TestAcquire_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s, _ := newService(t)
	_, err := s.Acquire(context.Background(), srv.URL, "42")
	require.True(t, domain.IsKind(err, domain.KindDownload))
	require.Contains(t, err.Error(), "fetch voice")
}

func TestAcquire_TransportErrorOmitsURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s, _ := newService(t)
	_, err := s.Acquire(context.Background(), srv.URL+"/file/bot123456:SECRET-TOKEN/voice/file_1.oga", "42")
	require.True(t, domain.IsKind(err, domain.KindDownload))
	require.NotContains(t, err.Error(), "SECRET-TOKEN")
	require.NotContains(t, err.Error(), srv.URL)
}

func TestAcquire_RejectsBodyOverLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 11))
	}))
	defer srv.Close()

	s, _ := newService(t, WithMaxFileSize(10))
	_, err := s.Acquire(context.Background(), srv.URL, "42")
	require.True(t, domain.IsKind(err, domain.KindOversize))
	_, statErr := os.Stat(s.SourcePath("42"))
	require.True(t, errors.Is(statErr, os.ErrNotExist), "partial download must be removed")
}

func TestAcquire_BodyAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	s, _ := newService(t, WithMaxFileSize(10))
	path, err := s.Acquire(context.Background(), srv.URL, "42")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(10), info.Size())
}

func TestAcquire_RejectsPathLikeKey(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Acquire(context.Background(), "http://unused", "../etc/passwd")
	require.True(t, domain.IsKind(err, domain.KindDownload))
}

// ---------------------------------------------------------------------------
// Transcode
// ---------------------------------------------------------------------------

type fakeFFmpeg struct {
	name   string
	args   []string
	stderr []byte
	err    error
}

func (f *fakeFFmpeg) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.name = name
	f.args = args
	if f.err != nil {
		return f.stderr, f.err
	}
	target := args[len(args)-1]
	if err := os.WriteFile(target, []byte("ID3 mp3"), 0o600); err != nil {
		return nil, err
	}
	return f.stderr, nil
}

func writeSource(t *testing.T, s *Service, key string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(s.dir, 0o755))
	path := s.SourcePath(key)
	require.NoError(t, os.WriteFile(path, oggPayload, 0o600))
	return path
}

func TestTranscode_SuccessRemovesSource(t *testing.T) {
	ff := &fakeFFmpeg{}
	s, dir := newService(t, WithRunner(ff.run), WithFFmpegPath("/opt/bin/ffmpeg"))
	src := writeSource(t, s, "42")

	target, err := s.Transcode(context.Background(), src, "42")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "42.mp3"), target)
	require.FileExists(t, target)
	require.NoFileExists(t, src)

	require.Equal(t, "/opt/bin/ffmpeg", ff.name)
	require.Equal(t, []string{"-y", "-t", "30", "-i", src, target}, ff.args)
}

func TestTranscode_FailureKeepsSource(t *testing.T) {
	ff := &fakeFFmpeg{
		stderr: []byte("ffmpeg version 6.1\n" + "42.ogg: Invalid data found when processing input\n"),
		err:    errors.New("exit status 1"),
	}
	s, _ := newService(t, WithRunner(ff.run))
	src := writeSource(t, s, "42")

	_, err := s.Transcode(context.Background(), src, "42")
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindTranscode))
	require.Contains(t, err.Error(), "Invalid data found when processing input")
	require.FileExists(t, src, "source is retained when transcoding fails")
	require.NoFileExists(t, s.TargetPath("42"))
}

func TestTranscode_FailureWithoutStderr(t *testing.T) {
	ff := &fakeFFmpeg{err: errors.New(`exec: "ffmpeg": executable file not found in $PATH`)}
	s, _ := newService(t, WithRunner(ff.run))
	src := writeSource(t, s, "42")

	_, err := s.Transcode(context.Background(), src, "42")
	require.True(t, domain.IsKind(err, domain.KindTranscode))
	require.Contains(t, err.Error(), "executable file not found")
}

func TestTranscode_SourceRemovalFailureIsNotPropagated(t *testing.T) {
	ff := &fakeFFmpeg{}
	s, dir := newService(t, WithRunner(ff.run))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	target, err := s.Transcode(context.Background(), filepath.Join(dir, "gone.ogg"), "42")
	require.NoError(t, err)
	require.FileExists(t, target)
}

func TestCleanup(t *testing.T) {
	ff := &fakeFFmpeg{}
	s, _ := newService(t, WithRunner(ff.run))
	src := writeSource(t, s, "42")
	target, err := s.Transcode(context.Background(), src, "42")
	require.NoError(t, err)

	s.Cleanup("42")
	require.NoFileExists(t, target)
	s.Cleanup("42")
}
