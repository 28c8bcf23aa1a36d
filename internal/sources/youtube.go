package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/syng-dev/syng-go/internal/apperrors"
	"github.com/syng-dev/syng-go/internal/model"
	"github.com/syng-dev/syng-go/internal/player"
	"github.com/syng-dev/syng-go/internal/protocol"
)

// NameYouTube is the registry name of the YouTube source.
const NameYouTube = "youtube"

const defaultMaxResults = 12

// commandRunner runs an external command and returns its stdout. Swappable
// in tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// YouTube searches and downloads songs through yt-dlp. Search queries get a
// "karaoke" suffix so plain song titles find karaoke versions.
type YouTube struct {
	*base

	run        commandRunner
	channels   []string
	tmpDir     string
	maxResults int
}

// NewYouTube creates an unconfigured YouTube source.
func NewYouTube(p *player.Player) *YouTube {
	y := &YouTube{
		run:        runCommand,
		maxResults: defaultMaxResults,
	}
	y.base = newBase(NameYouTube, p, y.fetch, y.dropArtifact)
	return y
}

// Configure accepts: channels (list of channel URLs restricting search),
// tmp_dir (download cache directory), max_results (int).
func (y *YouTube) Configure(cfg map[string]any) error {
	if v, ok := cfg["channels"]; ok {
		list, err := toStringList(v)
		if err != nil {
			return apperrors.NewConfigInvalid(NameYouTube, "channels must be a list of strings")
		}
		y.channels = list
	}
	if v, ok := cfg["tmp_dir"]; ok {
		s, ok := v.(string)
		if !ok {
			return apperrors.NewConfigInvalid(NameYouTube, "tmp_dir must be a string")
		}
		y.tmpDir = s
	}
	if y.tmpDir == "" {
		y.tmpDir = filepath.Join(os.TempDir(), "syng", NameYouTube)
	}
	if v, ok := cfg["max_results"]; ok {
		n, ok := toInt(v)
		if !ok || n < 1 {
			return apperrors.NewConfigInvalid(NameYouTube, "max_results must be a positive integer")
		}
		y.maxResults = n
	}
	return os.MkdirAll(y.tmpDir, 0o755)
}

type ytItem struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Channel  string  `json:"channel"`
	Uploader string  `json:"uploader"`
	Duration float64 `json:"duration"`
}

func (it ytItem) artist() string {
	if it.Channel != "" {
		return it.Channel
	}
	return it.Uploader
}

func watchURL(id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return "https://www.youtube.com/watch?v=" + id
}

// Search runs a flat-playlist yt-dlp search. Results keep yt-dlp's order;
// the relevance filtering YouTube already did is better than our token
// ranking for this source.
func (y *YouTube) Search(ctx context.Context, query string) ([]model.Result, error) {
	target := fmt.Sprintf("ytsearch%d:%s karaoke", y.maxResults, query)
	out, err := y.run(ctx, "yt-dlp", "--flat-playlist", "-j", target)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeSourceSearch, "youtube search failed", err)
	}

	var results []model.Result
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var item ytItem
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			continue
		}
		results = append(results, model.Result{
			ID:     watchURL(item.ID),
			Source: NameYouTube,
			Title:  item.Title,
			Artist: item.artist(),
		})
	}
	return results, nil
}

// Resolve probes the video once and builds a fully populated entry.
func (y *YouTube) Resolve(ctx context.Context, performer, id string) (*model.Entry, error) {
	item, err := y.probe(ctx, id)
	if err != nil {
		return nil, err
	}
	entry := model.NewEntry(NameYouTube, watchURL(id), performer)
	entry.Title = item.Title
	entry.Artist = item.artist()
	entry.Duration = int(item.Duration)
	return entry, nil
}

// GetMissingMetadata re-probes entries whose duration was unavailable at
// search time.
func (y *YouTube) GetMissingMetadata(ctx context.Context, entry *model.Entry) (protocol.EntryMeta, error) {
	if entry.Duration > 0 {
		return protocol.EntryMeta{}, nil
	}
	item, err := y.probe(ctx, entry.ID)
	if err != nil {
		return protocol.EntryMeta{}, err
	}
	return protocol.EntryMeta{Duration: int(item.Duration)}, nil
}

func (y *YouTube) probe(ctx context.Context, id string) (ytItem, error) {
	out, err := y.run(ctx, "yt-dlp", "-j", "--no-playlist", watchURL(id))
	if err != nil {
		return ytItem{}, fmt.Errorf("probe %s: %w", id, err)
	}
	var item ytItem
	if err := json.Unmarshal(out, &item); err != nil {
		return ytItem{}, fmt.Errorf("probe %s: %w", id, err)
	}
	return item, nil
}

// fetch downloads the video into the cache directory and reports the final
// path yt-dlp printed.
func (y *YouTube) fetch(ctx context.Context, entry *model.Entry) (string, string, error) {
	out, err := y.run(ctx, "yt-dlp",
		"--no-playlist",
		"-o", filepath.Join(y.tmpDir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
		"--no-simulate",
		watchURL(entry.ID),
	)
	if err != nil {
		return "", "", err
	}
	path := strings.TrimSpace(lastLine(out))
	if path == "" {
		return "", "", fmt.Errorf("yt-dlp reported no output file for %s", entry.ID)
	}
	return path, "", nil
}

// dropArtifact deletes a cached download after a skip or failure. Leftover
// temp files are expendable; removal errors are ignored.
func (y *YouTube) dropArtifact(videoPath, _ string) {
	if videoPath != "" {
		_ = os.Remove(videoPath)
	}
}

// GetConfig fits in one message for this source.
func (y *YouTube) GetConfig() []map[string]any {
	channels := make([]any, len(y.channels))
	for i, c := range y.channels {
		channels[i] = c
	}
	return []map[string]any{{
		"channels":    channels,
		"max_results": y.maxResults,
	}}
}

// AddToConfig merges one chunk; YouTube configs are never actually chunked
// but the contract is honored for symmetry.
func (y *YouTube) AddToConfig(chunk map[string]any) error {
	return y.Configure(chunk)
}

// Close releases nothing; downloads are cancelled via SkipCurrent/Shutdown.
func (y *YouTube) Close() error {
	y.Shutdown()
	return nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func toStringList(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		if direct, ok := v.([]string); ok {
			return direct, nil
		}
		return nil, fmt.Errorf("not a list")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("not a string list")
		}
		out = append(out, s)
	}
	return out, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
