package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syng-dev/syng-go/internal/model"
)

func writeLibrary(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
	}
	return dir
}

func newTestFiles(t *testing.T, dir string) *Files {
	t.Helper()
	f := NewFiles(nil)
	require.NoError(t, f.Configure(map[string]any{"dir": dir}))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFilesIndexesLibrary(t *testing.T) {
	dir := writeLibrary(t,
		"ABBA - Dancing Queen.mp4",
		"Toto - Africa.mkv",
		"sub/Queen - Bohemian Rhapsody.webm",
		"notes.txt",
	)
	f := newTestFiles(t, dir)

	results, err := f.Search(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 3)
}

func TestFilesSearchRanks(t *testing.T) {
	dir := writeLibrary(t,
		"ABBA - Dancing Queen.mp4",
		"Toto - Africa.mkv",
	)
	f := newTestFiles(t, dir)

	results, err := f.Search(context.Background(), "dancing abba")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Dancing Queen", results[0].Title)
	require.Equal(t, "ABBA", results[0].Artist)
}

func TestFilesResolve(t *testing.T) {
	dir := writeLibrary(t, "ABBA - Dancing Queen.mp4")
	f := newTestFiles(t, dir)

	entry, err := f.Resolve(context.Background(), "Alice", "ABBA - Dancing Queen.mp4")
	require.NoError(t, err)
	require.Equal(t, "Dancing Queen", entry.Title)
	require.Equal(t, "Alice", entry.Performer)

	_, err = f.Resolve(context.Background(), "Alice", "missing.mp4")
	require.Error(t, err)
}

func TestFilesReindexDropsStaleRows(t *testing.T) {
	dir := writeLibrary(t, "ABBA - Dancing Queen.mp4", "Toto - Africa.mkv")
	f := newTestFiles(t, dir)

	require.NoError(t, os.Remove(filepath.Join(dir, "Toto - Africa.mkv")))
	f.mu.Lock()
	require.NoError(t, f.reindexLocked())
	f.mu.Unlock()

	results, err := f.Search(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Dancing Queen", results[0].Title)
}

func TestParseTitleArtist(t *testing.T) {
	title, artist := parseTitleArtist("sub/ABBA - Dancing Queen.mp4")
	require.Equal(t, "Dancing Queen", title)
	require.Equal(t, "ABBA", artist)

	title, artist = parseTitleArtist("Bohemian Rhapsody.mp4")
	require.Equal(t, "Bohemian Rhapsody", title)
	require.Empty(t, artist)
}

func TestCDGPairing(t *testing.T) {
	require.Equal(t, "/lib/song.mp3", cdgAudioPath("/lib/song.cdg"))
	require.Equal(t, "/lib/song.mp3", cdgAudioPath("/lib/song.CDG"))
	require.Empty(t, cdgAudioPath("/lib/song.mp4"))
}

func TestFilesFetchPairsCDGWithAudio(t *testing.T) {
	dir := writeLibrary(t, "ABBA - Dancing Queen.cdg", "ABBA - Dancing Queen.mp3")
	f := newTestFiles(t, dir)

	video, audio, err := f.fetch(context.Background(), model.NewEntry(NameFiles, "ABBA - Dancing Queen.cdg", "Alice"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "ABBA - Dancing Queen.cdg"), video)
	require.Equal(t, filepath.Join(dir, "ABBA - Dancing Queen.mp3"), audio)
}

func TestFilesFetchRejectsCDGWithoutAudio(t *testing.T) {
	dir := writeLibrary(t, "ABBA - Dancing Queen.cdg")
	f := newTestFiles(t, dir)

	_, _, err := f.fetch(context.Background(), model.NewEntry(NameFiles, "ABBA - Dancing Queen.cdg", "Alice"))
	require.Error(t, err)
}

func TestFilesMP3HalvesAreNotIndexed(t *testing.T) {
	dir := writeLibrary(t, "ABBA - Dancing Queen.cdg", "ABBA - Dancing Queen.mp3")
	f := newTestFiles(t, dir)

	results, err := f.Search(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "ABBA - Dancing Queen.cdg", results[0].ID)
}

func TestFilesConfigChunking(t *testing.T) {
	var names []string
	for i := 0; i < indexChunkSize+10; i++ {
		names = append(names, fmt.Sprintf("Artist - Song %04d.mp4", i))
	}
	dir := writeLibrary(t, names...)
	f := newTestFiles(t, dir)

	chunks := f.GetConfig()
	require.Len(t, chunks, 2)
	require.Len(t, chunks[0]["index"], indexChunkSize)
	require.Len(t, chunks[1]["index"], 10)

	// Rebuild a server-side instance from the chunks.
	server := NewFiles(nil)
	t.Cleanup(func() { server.Close() })
	require.NoError(t, server.Configure(chunks[0]))
	require.NoError(t, server.AddToConfig(chunks[1]))

	results, err := server.Search(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, indexChunkSize+10)
}

func TestFilesGetMissingMetadataUsesFFProbe(t *testing.T) {
	dir := writeLibrary(t, "ABBA - Dancing Queen.mp4")
	f := newTestFiles(t, dir)
	f.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "ffprobe", name)
		require.Contains(t, args, filepath.Join(dir, "ABBA - Dancing Queen.mp4"))
		return []byte("230.55\n"), nil
	}

	entry, err := f.Resolve(context.Background(), "Alice", "ABBA - Dancing Queen.mp4")
	require.NoError(t, err)
	meta, err := f.GetMissingMetadata(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, 230, meta.Duration)

	// The probed duration lands in the index and sticks on resolve.
	entry2, err := f.Resolve(context.Background(), "Bob", "ABBA - Dancing Queen.mp4")
	require.NoError(t, err)
	require.Equal(t, 230, entry2.Duration)
}

func TestFilesConfigureRejectsMissingDir(t *testing.T) {
	f := NewFiles(nil)
	require.Error(t, f.Configure(map[string]any{"dir": filepath.Join(t.TempDir(), "nope")}))
}
