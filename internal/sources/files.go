package sources

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"

	"github.com/syng-dev/syng-go/internal/apperrors"
	"github.com/syng-dev/syng-go/internal/model"
	"github.com/syng-dev/syng-go/internal/player"
	"github.com/syng-dev/syng-go/internal/protocol"
)

// NameFiles is the registry name of the local-files source.
const NameFiles = "files"

// indexChunkSize bounds how many paths travel in one config-chunk message.
const indexChunkSize = 500

var defaultExtensions = []string{"mp4", "mkv", "webm", "cdg"}

// fileSong is one indexed library entry. For .cdg graphics the matching
// .mp3 is the audio half and the pair plays together.
type fileSong struct {
	Path     string
	Title    string
	Artist   string
	Duration int
}

// Files serves songs from a local directory tree. On the playback client it
// walks the configured dir into a sqlite index and re-indexes when fsnotify
// reports library changes; on the server it answers searches from the index
// transmitted via config chunks.
type Files struct {
	*base

	mu         sync.Mutex
	dir        string
	extensions []string
	index      []fileSong
	db         *sql.DB
	watcher    *fsnotify.Watcher
	reindex    *time.Timer
	run        commandRunner
	closed     chan struct{}
}

// NewFiles creates an unconfigured files source.
func NewFiles(p *player.Player) *Files {
	f := &Files{
		extensions: defaultExtensions,
		run:        runCommand,
		closed:     make(chan struct{}),
	}
	f.base = newBase(NameFiles, p, f.fetch, nil)
	return f
}

// Configure accepts: dir (library root; client side), extensions (list),
// index (list of paths; server side, usually delivered chunked).
func (f *Files) Configure(cfg map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := cfg["extensions"]; ok {
		list, err := toStringList(v)
		if err != nil {
			return apperrors.NewConfigInvalid(NameFiles, "extensions must be a list of strings")
		}
		f.extensions = list
	}
	if v, ok := cfg["dir"]; ok {
		dir, ok := v.(string)
		if !ok || dir == "" {
			return apperrors.NewConfigInvalid(NameFiles, "dir must be a non-empty string")
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return apperrors.NewConfigInvalid(NameFiles, fmt.Sprintf("dir %q is not a directory", dir))
		}
		f.dir = dir
		if err := f.openIndexLocked(); err != nil {
			return err
		}
		if err := f.reindexLocked(); err != nil {
			return err
		}
		if err := f.watchLocked(); err != nil {
			f.log.Warn().Err(err).Msg("library watch unavailable; index is static")
		}
	}
	if v, ok := cfg["index"]; ok {
		paths, err := toStringList(v)
		if err != nil {
			return apperrors.NewConfigInvalid(NameFiles, "index must be a list of strings")
		}
		f.index = f.index[:0]
		f.appendIndexLocked(paths)
	}
	return nil
}

// openIndexLocked opens (and migrates) the sqlite index next to the library.
func (f *Files) openIndexLocked() error {
	db, err := sql.Open("sqlite3", filepath.Join(f.dir, ".syng-index.db"))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS songs (
			path     TEXT PRIMARY KEY,
			title    TEXT NOT NULL,
			artist   TEXT NOT NULL,
			duration INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		db.Close()
		return fmt.Errorf("init index: %w", err)
	}
	f.db = db
	return nil
}

// reindexLocked walks the library, upserts every playable file and drops
// rows whose file disappeared, then mirrors the table into memory for
// searching.
func (f *Files) reindexLocked() error {
	seen := map[string]bool{}
	var songs []fileSong

	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != f.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !f.playable(path) {
			return nil
		}
		rel, err := filepath.Rel(f.dir, path)
		if err != nil {
			return nil
		}
		seen[rel] = true
		title, artist := parseTitleArtist(rel)
		songs = append(songs, fileSong{Path: rel, Title: title, Artist: artist})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk library: %w", err)
	}

	tx, err := f.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range songs {
		if _, err := tx.Exec(
			`INSERT INTO songs (path, title, artist) VALUES (?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET title = excluded.title, artist = excluded.artist`,
			s.Path, s.Title, s.Artist,
		); err != nil {
			return err
		}
	}
	rows, err := tx.Query(`SELECT path FROM songs`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		if !seen[p] {
			stale = append(stale, p)
		}
	}
	rows.Close()
	for _, p := range stale {
		if _, err := tx.Exec(`DELETE FROM songs WHERE path = ?`, p); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Mirror durations already probed into the in-memory index.
	durations := map[string]int{}
	rows, err = f.db.Query(`SELECT path, duration FROM songs WHERE duration > 0`)
	if err == nil {
		for rows.Next() {
			var p string
			var d int
			if rows.Scan(&p, &d) == nil {
				durations[p] = d
			}
		}
		rows.Close()
	}
	for i := range songs {
		songs[i].Duration = durations[songs[i].Path]
	}

	f.index = songs
	f.log.Info().Int("songs", len(songs)).Str("dir", f.dir).Msg("library indexed")
	return nil
}

// playable reports whether the file extension is configured, excluding mp3
// halves of cdg pairs (those ride along as audio, not as their own song).
func (f *Files) playable(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, allowed := range f.extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// watchLocked registers fsnotify watches on the library tree and re-indexes
// (debounced) when it changes.
func (f *Files) watchLocked() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	f.watcher = watcher

	err = filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != f.dir {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		watcher.Close()
		f.watcher = nil
		return err
	}

	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				f.scheduleReindex()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.Warn().Err(err).Msg("library watcher error")
			case <-f.closed:
				return
			}
		}
	}()
	return nil
}

// scheduleReindex coalesces bursts of filesystem events into one re-index.
func (f *Files) scheduleReindex() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reindex != nil {
		f.reindex.Stop()
	}
	f.reindex = time.AfterFunc(2*time.Second, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.db == nil {
			return
		}
		if err := f.reindexLocked(); err != nil {
			f.log.Error().Err(err).Msg("re-index failed")
		}
	})
}

func (f *Files) appendIndexLocked(paths []string) {
	for _, p := range paths {
		title, artist := parseTitleArtist(p)
		f.index = append(f.index, fileSong{Path: p, Title: title, Artist: artist})
	}
}

// parseTitleArtist splits "Artist - Title.ext" basenames; files without the
// separator become title-only.
func parseTitleArtist(path string) (title, artist string) {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if before, after, found := strings.Cut(name, " - "); found {
		return strings.TrimSpace(after), strings.TrimSpace(before)
	}
	return name, ""
}

// Search ranks the index against the query tokens.
func (f *Files) Search(_ context.Context, query string) ([]model.Result, error) {
	f.mu.Lock()
	candidates := make([]model.Result, len(f.index))
	for i, s := range f.index {
		candidates[i] = model.Result{ID: s.Path, Source: NameFiles, Title: s.Title, Artist: s.Artist}
	}
	f.mu.Unlock()
	return RankResults(candidates, query), nil
}

// Resolve builds an entry from an indexed path.
func (f *Files) Resolve(_ context.Context, performer, id string) (*model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.index {
		if s.Path == id {
			entry := model.NewEntry(NameFiles, id, performer)
			entry.Title = s.Title
			entry.Artist = s.Artist
			entry.Duration = s.Duration
			return entry, nil
		}
	}
	return nil, fmt.Errorf("files: %q not in library index", id)
}

// GetMissingMetadata probes the duration with ffprobe once and caches it in
// the sqlite index.
func (f *Files) GetMissingMetadata(ctx context.Context, entry *model.Entry) (protocol.EntryMeta, error) {
	if entry.Duration > 0 {
		return protocol.EntryMeta{}, nil
	}
	f.mu.Lock()
	dir := f.dir
	db := f.db
	f.mu.Unlock()
	if dir == "" {
		return protocol.EntryMeta{}, nil
	}

	media := filepath.Join(dir, entry.ID)
	if audio := cdgAudioPath(media); audio != "" {
		media = audio
	}
	out, err := f.run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		media,
	)
	if err != nil {
		return protocol.EntryMeta{}, fmt.Errorf("probe duration: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return protocol.EntryMeta{}, fmt.Errorf("probe duration: %w", err)
	}
	duration := int(secs)

	if db != nil {
		_, _ = db.Exec(`UPDATE songs SET duration = ? WHERE path = ?`, duration, entry.ID)
	}
	f.mu.Lock()
	for i := range f.index {
		if f.index[i].Path == entry.ID {
			f.index[i].Duration = duration
		}
	}
	f.mu.Unlock()

	return protocol.EntryMeta{Duration: duration}, nil
}

// fetch verifies the file exists and pairs .cdg graphics with their .mp3
// audio. Local files need no download.
func (f *Files) fetch(_ context.Context, entry *model.Entry) (string, string, error) {
	f.mu.Lock()
	dir := f.dir
	f.mu.Unlock()

	video := filepath.Join(dir, entry.ID)
	if _, err := os.Stat(video); err != nil {
		return "", "", fmt.Errorf("files: %w", err)
	}
	if audio := cdgAudioPath(video); audio != "" {
		if _, err := os.Stat(audio); err != nil {
			return "", "", fmt.Errorf("files: cdg without audio: %w", err)
		}
		return video, audio, nil
	}
	return video, "", nil
}

// cdgAudioPath returns the sibling .mp3 for a .cdg path, or "".
func cdgAudioPath(path string) string {
	if !strings.EqualFold(filepath.Ext(path), ".cdg") {
		return ""
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".mp3"
}

// GetConfig ships the library index, chunked so large libraries fit the
// transport's message limits.
func (f *Files) GetConfig() []map[string]any {
	f.mu.Lock()
	paths := make([]string, len(f.index))
	for i, s := range f.index {
		paths[i] = s.Path
	}
	f.mu.Unlock()

	if len(paths) == 0 {
		return []map[string]any{{"index": []any{}}}
	}
	var chunks []map[string]any
	for start := 0; start < len(paths); start += indexChunkSize {
		end := start + indexChunkSize
		if end > len(paths) {
			end = len(paths)
		}
		part := make([]any, end-start)
		for i, p := range paths[start:end] {
			part[i] = p
		}
		chunks = append(chunks, map[string]any{"index": part})
	}
	return chunks
}

// AddToConfig extends the index with one received chunk.
func (f *Files) AddToConfig(chunk map[string]any) error {
	v, ok := chunk["index"]
	if !ok {
		return nil
	}
	paths, err := toStringList(v)
	if err != nil {
		return apperrors.NewConfigInvalid(NameFiles, "index chunk must be a list of strings")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendIndexLocked(paths)
	return nil
}

// Close stops the watcher and index handle and cancels buffer tasks.
func (f *Files) Close() error {
	f.Shutdown()
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	if f.reindex != nil {
		f.reindex.Stop()
	}
	if f.watcher != nil {
		f.watcher.Close()
		f.watcher = nil
	}
	if f.db != nil {
		err := f.db.Close()
		f.db = nil
		return err
	}
	return nil
}
