// Package library stores uploaded audio files and keeps the track catalog
// in step with the music directory.
package library

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xingzihai/listen-sync/internal/db"
)

var (
	ErrNoFile   = errors.New("no file selected")
	ErrBadType  = errors.New("invalid file type")
	ErrTooLarge = errors.New("file too large")
)

var allowedExt = map[string]bool{"mp3": true, "wav": true, "ogg": true, "flac": true, "m4a": true}

// AllowedList is the accepted extensions in display order.
const AllowedList = "mp3, wav, ogg, flac, m4a"

// headerLen is how many leading bytes the signature check needs.
const headerLen = 12

type Library struct {
	dir      string
	catalog  *db.DB
	maxBytes int64
	log      *slog.Logger
}

func New(dir string, catalog *db.DB, maxBytes int64, log *slog.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create music dir: %w", err)
	}
	return &Library{
		dir:      dir,
		catalog:  catalog,
		maxBytes: maxBytes,
		log:      log.With("component", "library"),
	}, nil
}

func (l *Library) Dir() string     { return l.dir }
func (l *Library) MaxBytes() int64 { return l.maxBytes }

// Ingest validates and stores one upload under a sanitized name and
// indexes it. size is the client-declared length, or -1 if unknown.
func (l *Library) Ingest(name string, r io.Reader, size int64) (db.Track, error) {
	if name == "" {
		return db.Track{}, ErrNoFile
	}
	if !AllowedFile(name) {
		return db.Track{}, ErrBadType
	}
	if size > l.maxBytes {
		return db.Track{}, ErrTooLarge
	}
	safe := SanitizeFilename(name)
	if !AllowedFile(safe) {
		return db.Track{}, fmt.Errorf("%w: unusable filename %q", ErrBadType, name)
	}

	head := make([]byte, headerLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return db.Track{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if !isAudioMagic(head) {
		return db.Track{}, fmt.Errorf("%w: content is not audio", ErrBadType)
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return db.Track{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	body := io.MultiReader(bytes.NewReader(head), r)
	written, err := io.Copy(tmp, io.LimitReader(body, l.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return db.Track{}, fmt.Errorf("write upload: %w", err)
	}
	if written > l.maxBytes {
		return db.Track{}, ErrTooLarge
	}

	dst := filepath.Join(l.dir, safe)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return db.Track{}, fmt.Errorf("store upload: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return db.Track{}, fmt.Errorf("stat upload: %w", err)
	}
	t := trackFromInfo(info)
	if err := l.catalog.UpsertTrack(t); err != nil {
		return db.Track{}, err
	}
	l.log.Info("track uploaded", "name", t.Name, "size_mb", SizeMB(t.Size))
	return t, nil
}

// Tracks lists the catalog.
func (l *Library) Tracks() ([]db.Track, error) {
	return l.catalog.ListTracks()
}

// Track looks up one catalog entry; db.ErrNotFound if unknown.
func (l *Library) Track(name string) (*db.Track, error) {
	return l.catalog.GetTrack(name)
}

// Reconcile rescans the music directory and brings the catalog in line.
func (l *Library) Reconcile() error {
	present, err := l.scan()
	if err != nil {
		return err
	}
	added, removed, err := l.catalog.Reconcile(present)
	if err != nil {
		return fmt.Errorf("reconcile catalog: %w", err)
	}
	l.log.Info("catalog reconciled", "tracks", len(present), "added", added, "removed", removed)
	return nil
}

func (l *Library) scan() ([]db.Track, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read music dir: %w", err)
	}
	var tracks []db.Track
	for _, e := range entries {
		if !e.Type().IsRegular() || !AllowedFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		tracks = append(tracks, trackFromInfo(info))
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Name < tracks[j].Name })
	return tracks, nil
}

func trackFromInfo(info os.FileInfo) db.Track {
	return db.Track{
		Name:    info.Name(),
		Format:  extension(info.Name()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

func extension(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// AllowedFile reports whether name carries an accepted audio extension.
func AllowedFile(name string) bool {
	return allowedExt[extension(name)]
}

// SanitizeFilename reduces name to a safe base name: path components are
// dropped, whitespace becomes '_', characters outside [A-Za-z0-9._-] are
// removed, and leading dots or underscores are trimmed.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "._")
}

// SizeMB rounds a byte count to megabytes with two decimals.
func SizeMB(n int64) float64 {
	return math.Round(float64(n)/(1<<20)*100) / 100
}

// isAudioMagic checks leading bytes against the signatures of the accepted
// formats.
func isAudioMagic(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	switch {
	case buf[0] == 'I' && buf[1] == 'D' && buf[2] == '3':
		// mp3 with an ID3v2 tag
		return true
	case buf[0] == 0xFF && buf[1]&0xE0 == 0xE0:
		// mpeg frame sync; reject the reserved version and layer
		version := (buf[1] >> 3) & 0x03
		layer := (buf[1] >> 1) & 0x03
		return version != 0x01 && layer != 0x00
	case string(buf[:4]) == "fLaC", string(buf[:4]) == "OggS":
		return true
	case len(buf) >= 12 && string(buf[:4]) == "RIFF" && string(buf[8:12]) == "WAVE":
		return true
	case len(buf) >= 8 && string(buf[4:8]) == "ftyp":
		// mp4 container (m4a)
		return true
	}
	return false
}
