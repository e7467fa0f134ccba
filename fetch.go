package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Constants & Variables
// ===========================

const (
	youtubePrefix = "[YT]"
	ytMusicPrefix = "[YTM]"

	fetchCoolDown = 3 * time.Second
	maxCacheBytes = int64(2 << 30)
)

var (
	cachedJSArgs []string
	jsOnce       sync.Once

	camelCaseRegex     = regexp.MustCompile(`([a-z])([A-Z])`)
	metadataBlockRegex = regexp.MustCompile(`[\(\[\{].*?[\)\]\}]`)
	videoIDRegex       = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	rawIDRegex         = regexp.MustCompile(`(?:\?|&)id=([^&]+)`)

	// Download Configuration
	maxConnWait = 20 * time.Second
	maxStall    = 5 * time.Second
	maxTotal    = 60 * time.Second
)

// ===========================
// Structs
// ===========================

// SearchResult represents a search result
type SearchResult struct{ Title, ChannelName, URL string }

// CachedMetadata is the sidecar record written next to a cached audio
// file. SourceID keys the reverse lookup from source identity to file.
type CachedMetadata struct {
	SourceID       string
	Title, Channel string
	Duration       time.Duration
	ArtworkURL     string
}

// ytdlpSearchResult represents a search result from ytdlp
type ytdlpSearchResult struct {
	URL, Title, Uploader string
	Duration             time.Duration
}

// ytdlpMetadata represents metadata for a track from ytdlp
type ytdlpMetadata struct {
	URL, Title, Uploader, Filename, ID string
	Duration                           time.Duration
}

// ytdlpPlaylistEntry represents an entry in a playlist from ytdlp
type ytdlpPlaylistEntry struct{ URL, Title, Uploader string }

// recResult represents a prioritized related-tracks result from ytdlp
type recResult struct {
	es   []ytdlpPlaylistEntry
	prio int
}

// prioritizedSearchResult represents a prioritized search result from ytdlp
type prioritizedSearchResult struct {
	res  []ytdlpSearchResult
	prio int
}

// metadataResult represents metadata for a track
type metadataResult struct {
	title    string
	artist   string
	duration time.Duration
	source   string
	err      error
}

type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

// fetchFlight is one in-flight download for a canonical source. Later
// requests for the same source join it instead of spawning a second
// download, and the finished result lingers briefly for bursts.
type fetchFlight struct {
	key       string
	done      chan struct{}
	once      sync.Once
	path      string
	meta      *CachedMetadata
	err       error
	expiresAt time.Time
}

// MediaFetcher resolves queries to playable sources and downloads their
// audio into the cache directory. All spawned subprocesses are tracked
// in the process registry for the guild that asked.
type MediaFetcher struct {
	cfg   *Config
	files *FileLifecycle
	procs *ProcessRegistry
	cache *QueryCache

	flightMu sync.Mutex
	flights  map[string]*fetchFlight

	metaMu  sync.Mutex
	metaIdx map[string]string
}

func NewMediaFetcher(cfg *Config, files *FileLifecycle, procs *ProcessRegistry) *MediaFetcher {
	return &MediaFetcher{
		cfg:   cfg,
		files: files,
		procs: procs,
		cache: &QueryCache{
			items: make(map[string]cachedItem),
		},
		flights: make(map[string]*fetchFlight),
		metaIdx: make(map[string]string),
	}
}

// track registers a subprocess-spawning span with the process registry
// and returns the context to run it under. The returned release must be
// called when the span ends.
func (f *MediaFetcher) track(ctx context.Context, guild snowflake.ID, kind ProcessKind) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	tp := f.procs.Register(guild, kind, cancel)
	return cctx, func() {
		cancel()
		f.procs.Unregister(tp)
	}
}

func (f *MediaFetcher) checkDuration(d time.Duration) error {
	if f.cfg.MaxDuration > 0 && d > f.cfg.MaxDuration {
		return fmt.Errorf("%w: %s is longer than the configured limit of %s", ErrDurationLimit, FormatDuration(d), FormatDuration(f.cfg.MaxDuration))
	}
	return nil
}

// sourceKey returns the canonical source identity of a track, stamping
// it on first use. Identical queries for the same media always map to
// the same key, unknown URLs hash deterministically.
func (t *Track) sourceKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SourceID == "" {
		t.SourceID = extractVideoID(t.URL)
	}
	return t.SourceID
}

func signalMetadata(t *Track) {
	select {
	case <-t.MetadataReady:
	default:
		close(t.MetadataReady)
	}
}

func (t *Track) snapshotMeta() *CachedMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &CachedMetadata{
		SourceID:   t.SourceID,
		Title:      t.Title,
		Channel:    t.Channel,
		Duration:   t.Duration,
		ArtworkURL: t.ArtworkURL,
	}
}

// ===========================
// Query Resolution
// ===========================

// Resolve turns a raw query or foreign URL into a playable YouTube URL
// with a canonical source identity. Text queries are searched, DRM
// sites are scraped for metadata and re-searched.
func (f *MediaFetcher) Resolve(ctx context.Context, guild snowflake.ID, t *Track) error {
	if !t.NeedsResolution {
		t.sourceKey()
		return nil
	}

	needsSearch := !strings.HasPrefix(t.URL, "http")
	var targetDuration time.Duration

	if !needsSearch && !isYouTubeURL(t.URL) {
		likelyDRMSite := isLikelyMusicStreamingSite(t.URL)

		resultChan := make(chan metadataResult, 2)

		go func() {
			timeout := 10 * time.Second
			if likelyDRMSite {
				timeout = 3 * time.Second
			}

			ytdlpCtx, release := f.track(ctx, guild, ProcessLocate)
			ytdlpCtx, ytdlpCancel := context.WithTimeout(ytdlpCtx, timeout)
			defer func() {
				ytdlpCancel()
				release()
			}()

			title, uploader, id, dur, sz, err := ytdlpResolveMetadata(ytdlpCtx, t.URL)
			if err == nil {
				t.mu.Lock()
				t.TotalSize = sz
				t.mu.Unlock()
			}
			if id != "" {
				t.mu.Lock()
				if !strings.HasPrefix(t.URL, "http") {
					t.URL = "https://www.youtube.com/watch?v=" + id
				}
				t.mu.Unlock()
			}
			resultChan <- metadataResult{title, uploader, dur, "yt-dlp", err}
		}()

		if likelyDRMSite {
			go func() {
				scrapeCtx, scrapeCancel := context.WithTimeout(ctx, 5*time.Second)
				defer scrapeCancel()

				title, artist, err := extractMetadataFromDRMSite(scrapeCtx, t.URL)
				resultChan <- metadataResult{title, artist, 0, "scraper", err}
			}()
		}

		var ytdlpResult, scraperResult *metadataResult
		resultsReceived := 0
		expectedResults := 1
		if likelyDRMSite {
			expectedResults = 2
		}

	waitLoop:
		for resultsReceived < expectedResults {
			select {
			case res := <-resultChan:
				resultsReceived++
				if res.source == "yt-dlp" {
					ytdlpResult = &res
				} else {
					scraperResult = &res
				}

				if res.err == nil && res.title != "" {
					t.Title = res.title
					t.Channel = res.artist
					targetDuration = res.duration
					if res.artist != "" {
						t.URL = res.title + " " + res.artist
					} else {
						t.URL = res.title
					}
					needsSearch = true
					break waitLoop
				}
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(1 * time.Second):
				if resultsReceived > 0 {
					break waitLoop
				}
			}
		}

		go func() {
			for resultsReceived < expectedResults {
				select {
				case <-resultChan:
					resultsReceived++
				case <-time.After(5 * time.Second):
					return
				}
			}
		}()

		if !needsSearch {
			if scraperResult != nil && scraperResult.err == nil && scraperResult.title != "" {
				t.Title = scraperResult.title
				t.Channel = scraperResult.artist
				if scraperResult.artist != "" {
					t.URL = scraperResult.title + " " + scraperResult.artist
				} else {
					t.URL = scraperResult.title
				}
				needsSearch = true
			} else if ytdlpResult != nil && ytdlpResult.err != nil {
				if strings.Contains(ytdlpResult.err.Error(), "DRM") {
					LogFetch("DRM detected for %s, but scraping also failed", t.URL)
					return fmt.Errorf("%w: DRM-protected content: %s", ErrSourceResolution, t.URL)
				}
			}
		}
	}

	if needsSearch {
		q := t.URL
		if strings.HasPrefix(strings.ToUpper(q), youtubePrefix) {
			q = strings.TrimSpace(q[len(youtubePrefix):])
		} else if strings.HasPrefix(strings.ToUpper(q), ytMusicPrefix) {
			q = strings.TrimSpace(q[len(ytMusicPrefix):])
		}

		sctx, release := f.track(ctx, guild, ProcessLocate)
		ch := make(chan prioritizedSearchResult, 2)
		go func() {
			r, _ := ytdlpSearchYTM(sctx, q, 5)
			ch <- prioritizedSearchResult{r, 0}
		}()
		go func() {
			r, _ := ytdlpSearch(sctx, q, 5)
			ch <- prioritizedSearchResult{r, 1}
		}()

		var combined []ytdlpSearchResult
		resList := make([][]ytdlpSearchResult, 2)
		for range 2 {
			r := <-ch
			resList[r.prio] = r.res
		}
		release()
		combined = append(resList[0], resList[1]...)

		if len(combined) > 0 {
			best := SelectBestTrack(combined, t.Title, t.Channel, targetDuration)
			if strings.Contains(best.URL, "http") {
				t.mu.Lock()
				t.URL, t.Title, t.Channel, t.Duration = best.URL, best.Title, best.Uploader, best.Duration
				t.mu.Unlock()
			}
		}
	}

	if !strings.HasPrefix(t.URL, "http") {
		return fmt.Errorf("%w: %q", ErrSourceResolution, t.Query)
	}
	t.mu.Lock()
	t.SourceID = ""
	t.mu.Unlock()
	t.sourceKey()
	return nil
}

// ===========================
// Fetch & Flight Dedup
// ===========================

// Fetch downloads the audio for a resolved track, marking it ready or
// failed. Concurrent fetches for the same source share one download.
func (f *MediaFetcher) Fetch(ctx context.Context, guild snowflake.ID, t *Track) {
	key := t.sourceKey()

	f.flightMu.Lock()
	if fl, ok := f.flights[key]; ok {
		if !flightDone(fl) || time.Now().Before(fl.expiresAt) {
			f.flightMu.Unlock()
			f.joinFlight(ctx, fl, t)
			return
		}
		delete(f.flights, key)
	}
	fl := &fetchFlight{key: key, done: make(chan struct{})}
	f.flights[key] = fl
	f.flightMu.Unlock()

	f.fetchTrackFile(ctx, guild, fl, t)
}

func flightDone(fl *fetchFlight) bool {
	select {
	case <-fl.done:
		return true
	default:
		return false
	}
}

func (f *MediaFetcher) joinFlight(ctx context.Context, fl *fetchFlight, t *Track) {
	if !flightDone(fl) {
		LogFetch("Joining in-flight fetch for %s", fl.key)
	}
	select {
	case <-fl.done:
	case <-ctx.Done():
		t.MarkError(ctx.Err())
		return
	}
	if fl.err != nil {
		t.MarkError(fl.err)
		return
	}
	if cm := fl.meta; cm != nil {
		t.mu.Lock()
		if t.Title == "" {
			t.Title, t.Channel, t.Duration = cm.Title, cm.Channel, cm.Duration
		}
		if t.ArtworkURL == "" {
			t.ArtworkURL = cm.ArtworkURL
		}
		t.mu.Unlock()
	}
	signalMetadata(t)
	t.MarkReady(fl.path, t.Title, t.Channel, t.Duration, nil)
}

// completeFlight records the outcome exactly once and schedules the
// flight's removal after the reuse window.
func (f *MediaFetcher) completeFlight(fl *fetchFlight, path string, meta *CachedMetadata, err error) {
	fl.once.Do(func() {
		fl.path, fl.meta, fl.err = path, meta, err
		if err == nil {
			fl.expiresAt = time.Now().Add(fetchCoolDown)
		} else {
			fl.expiresAt = time.Now()
		}
		close(fl.done)

		time.AfterFunc(fetchCoolDown+time.Second, func() {
			f.flightMu.Lock()
			if f.flights[fl.key] == fl {
				delete(f.flights, fl.key)
			}
			f.flightMu.Unlock()
		})
	})
}

func (f *MediaFetcher) fetchTrackFile(ctx context.Context, guild snowflake.ID, fl *fetchFlight, t *Track) {
	sourceID := t.sourceKey()

	if isYouTubeURL(t.URL) {
		if t.Title == "" {
			if cm := f.readMetadataCache(sourceID); cm != nil {
				t.mu.Lock()
				t.Title, t.Channel, t.Duration = cm.Title, cm.Channel, cm.Duration
				if t.ArtworkURL == "" {
					t.ArtworkURL = cm.ArtworkURL
				}
				t.mu.Unlock()
				signalMetadata(t)
			}
		}

		if t.Title == "" {
			f.resolveBasicMetadata(ctx, guild, t, sourceID)
		} else {
			signalMetadata(t)
		}

		t.mu.Lock()
		d := t.Duration
		t.mu.Unlock()
		if err := f.checkDuration(d); err != nil {
			t.MarkError(err)
			f.completeFlight(fl, "", nil, err)
			return
		}

		if path, ok := f.findCachedAudio(sourceID); ok {
			LogCache("Cache hit for %s", sourceID)
			t.mu.Lock()
			title, ch, dur := t.Title, t.Channel, t.Duration
			t.mu.Unlock()
			t.MarkReady(path, title, ch, dur, nil)
			f.completeFlight(fl, path, t.snapshotMeta(), nil)
			return
		}

		f.downloadAndCache(ctx, guild, fl, t, f.stageDownload(t, sourceID), t.URL)
		return
	}

	// Unknown site: probe it first, its real identity may differ
	mctx, release := f.track(ctx, guild, ProcessLocate)
	meta, err := ytdlpExtractMetadata(mctx, t.URL)
	release()
	if err != nil {
		werr := fmt.Errorf("%w: %v", ErrFetchFailed, err)
		t.MarkError(werr)
		f.completeFlight(fl, "", nil, werr)
		return
	}

	t.mu.Lock()
	t.Title, t.Channel, t.Duration = meta.Title, meta.Uploader, meta.Duration
	if meta.ID != "" {
		if strings.Contains(t.URL, "music.youtube.com") {
			t.URL = "https://music.youtube.com/watch?v=" + meta.ID
		} else {
			t.URL = "https://www.youtube.com/watch?v=" + meta.ID
		}
		t.SourceID = meta.ID
		sourceID = meta.ID
	}
	t.mu.Unlock()
	signalMetadata(t)

	if err := f.checkDuration(meta.Duration); err != nil {
		t.MarkError(err)
		f.completeFlight(fl, "", nil, err)
		return
	}

	if path, ok := f.findCachedAudio(sourceID); ok {
		LogCache("Cache hit for %s", sourceID)
		t.MarkReady(path, meta.Title, meta.Uploader, meta.Duration, nil)
		f.completeFlight(fl, path, t.snapshotMeta(), nil)
		return
	}

	f.downloadAndCache(ctx, guild, fl, t, f.stageDownload(t, sourceID), t.URL)
}

// stageDownload reserves a fresh base name for a download and arms the
// track's file-creation signal before any bytes move.
func (f *MediaFetcher) stageDownload(t *Track, sourceID string) string {
	base := f.files.NewTempBase(sourceID)
	t.mu.Lock()
	t.TempBase = base
	t.FileCreated = make(chan struct{})
	t.mu.Unlock()
	return base
}

// FetchFragment restarts the download of t at its current SeekOffset
// into a new fragment file. Used when a seek lands beyond the buffered
// range of a still-downloading track. Returns the part-file path the
// fragment will stream into and a channel closed once that file exists.
func (f *MediaFetcher) FetchFragment(ctx context.Context, guild snowflake.ID, t *Track) (string, <-chan struct{}) {
	t.mu.Lock()
	u := t.URL
	t.mu.Unlock()
	sourceID := t.sourceKey()

	base := f.stageDownload(t, sourceID)
	t.mu.Lock()
	created := t.FileCreated
	t.mu.Unlock()

	// Fragments are session-private: no flight registration, no joiners.
	fl := &fetchFlight{done: make(chan struct{})}
	safeGo(func() {
		f.downloadAndCache(ctx, guild, fl, t, base, u)
	})
	return base + ".webm.part", created
}

// resolveBasicMetadata fills title, channel and duration for a known
// source. Runs synchronously when a duration limit must be enforced
// before download, in the background otherwise.
func (f *MediaFetcher) resolveBasicMetadata(ctx context.Context, guild snowflake.ID, t *Track, sourceID string) {
	work := func() {
		// 1. Fast path: native search client
		rctx, release := f.track(ctx, guild, ProcessLocate)
		defer release()

		title, uploader, dur, err := fastResolveMetadata(rctx, sourceID)

		// 2. Slow path: yt-dlp process
		if err != nil {
			var dur2 time.Duration
			var sz2 int64
			title, uploader, _, dur2, sz2, err = ytdlpResolveMetadata(rctx, t.URL)
			if err == nil {
				t.mu.Lock()
				t.TotalSize = sz2
				t.mu.Unlock()
			}
			dur = dur2
		}

		if err == nil {
			t.mu.Lock()
			t.Title = title
			t.Channel = uploader
			t.Duration = dur
			t.mu.Unlock()
			signalMetadata(t)
		} else {
			LogFetch("Background metadata fetch failed for %s: %v", t.URL, err)
			signalMetadata(t)
		}
	}

	if f.cfg.MaxDuration > 0 {
		work()
		return
	}
	go work()
}

// ===========================
// Download & Cache
// ===========================

func (f *MediaFetcher) downloadAndCache(ctx context.Context, guild snowflake.ID, fl *fetchFlight, t *Track, base, u string) {
	filename := base + ".webm"

	downloadDone := make(chan struct{})
	writeSig := make(chan struct{}, 1)
	readySig := make(chan struct{})
	onceReady := sync.Once{}

	go func() {
		defer close(downloadDone)
		partFilename := filename + ".part"

		t.mu.Lock()
		ss := t.SeekOffset
		t.mu.Unlock()

		thresh := int64(1024 * 1024)
		if ss > 0 {
			thresh = 128 * 1024 // 128KB is enough to start transcoding a fragment
		}
		cacheFile, err := os.Create(partFilename)

		t.mu.Lock()
		if t.FileCreated != nil {
			close(t.FileCreated)
		}
		t.mu.Unlock()

		if err != nil {
			LogFetch("Failed to create cache file: %v", err)
			f.completeFlight(fl, "", nil, fmt.Errorf("%w: %v", ErrFetchFailed, err))
			return
		}

		sw := &TrackSignalWriter{
			w: cacheFile,
			onWrite: func(n int) {
				t.mu.Lock()
				t.WrittenBytes += int64(n)
				wb := t.WrittenBytes
				t.mu.Unlock()
				if wb >= thresh {
					onceReady.Do(func() { close(readySig) })
				}
				select {
				case writeSig <- struct{}{}:
				default:
				}
			},
		}

		dctx, dcancel := context.WithCancel(ctx)
		t.mu.Lock()
		t.downloadCancel = dcancel
		t.mu.Unlock()
		defer dcancel()

		err = f.ytdlpStream(dctx, guild, u, ss, sw)
		cacheFile.Close()

		if err != nil {
			LogFetch("Stream/Cache failed for %s: %v", u, err)
			os.Remove(partFilename)
			f.completeFlight(fl, "", nil, fmt.Errorf("%w: %v", ErrFetchFailed, err))
		} else {
			onceReady.Do(func() { close(readySig) })

			if err := os.Rename(partFilename, filename); err != nil {
				LogFetch("Failed to rename cache file for %s: %v", u, err)
				os.Remove(partFilename)
				f.completeFlight(fl, "", nil, fmt.Errorf("%w: %v", ErrFetchFailed, err))
			} else {
				t.mu.Lock()
				wb := t.WrittenBytes
				t.mu.Unlock()
				LogFetch("Downloaded track file: %s (Size: %d bytes)", filename, wb)
				meta := t.snapshotMeta()
				f.writeMetadataCache(base, meta)
				f.completeFlight(fl, filename, meta, nil)
			}
		}
	}()

	totalTimer := time.NewTimer(maxTotal)
	defer totalTimer.Stop()

	stallTimer := time.NewTimer(maxConnWait)
	defer stallTimer.Stop()

loop:
	for {
		select {
		case <-readySig:
			break loop
		case <-ctx.Done():
			t.MarkError(ctx.Err())
			f.completeFlight(fl, "", nil, ctx.Err())
			t.Cancel()
			return
		case <-totalTimer.C:
			err := fmt.Errorf("%w: download too slow (max total time exceeded)", ErrFetchFailed)
			t.MarkError(err)
			f.completeFlight(fl, "", nil, err)
			t.Cancel()
			return
		case <-stallTimer.C:
			err := fmt.Errorf("%w: download stalled or failed to start", ErrFetchFailed)
			t.MarkError(err)
			f.completeFlight(fl, "", nil, err)
			t.Cancel()
			return
		case <-writeSig:
			if !stallTimer.Stop() {
				select {
				case <-stallTimer.C:
				default:
				}
			}
			stallTimer.Reset(maxStall)
		}
	}

	if t.Ready() {
		// Fragment restart of an already-playing track: the seek path
		// re-points the live reader itself.
		return
	}

	partFilename := filename + ".part"
	readFile, err := os.Open(partFilename)
	if err != nil {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.MarkError(ctx.Err())
			f.completeFlight(fl, "", nil, ctx.Err())
			return
		}
		readFile, err = os.Open(partFilename)
		if err != nil {
			werr := fmt.Errorf("failed to open cache file for tailing: %w", err)
			t.MarkError(werr)
			f.completeFlight(fl, "", nil, werr)
			return
		}
	}

	tr := &TailingReader{
		f:    readFile,
		done: downloadDone,
		ctx:  ctx,
		sig:  writeSig,
	}

	t.MarkReady(filename, t.Title, t.Channel, t.Duration, tr)
}

// ===========================
// Search
// ===========================

func (f *MediaFetcher) Search(q string) ([]SearchResult, error) {
	// 1. Check Cache
	f.cache.RLock()
	if item, ok := f.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			f.cache.RUnlock()
			return item.results, nil
		}
	}
	f.cache.RUnlock()

	src, query := "ytmusic", q
	if strings.HasPrefix(strings.ToUpper(q), youtubePrefix) {
		src, query = "youtube", strings.TrimSpace(q[len(youtubePrefix):])
	} else if strings.HasPrefix(strings.ToUpper(q), ytMusicPrefix) {
		query = strings.TrimSpace(q[len(ytMusicPrefix):])
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, ytMusicPrefix+" ", art)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, query)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, youtubePrefix+" ", "")})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	var fin []SearchResult
	if src == "youtube" {
		fin = append(yt, ytm...)
	} else {
		fin = append(ytm, yt...)
	}
	if len(fin) > 25 {
		fin = fin[:25]
	}

	// 2. Update Cache (TTL 1 hour)
	if len(fin) > 0 {
		f.cache.Lock()
		f.cache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		f.cache.Unlock()
	}

	return fin, nil
}

func (f *MediaFetcher) SearchPlaylist(guild snowflake.ID, q string) ([]SearchResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx, release := f.track(ctx, guild, ProcessLocate)
	defer release()

	var ytRs, ytmRs []ytdlpSearchResult
	var ytErr, ytmErr error
	wg := sync.WaitGroup{}
	wg.Add(2)

	go func() {
		defer wg.Done()
		ytRs, ytErr = ytdlpSearchPlaylist(ctx, q, 10)
	}()
	go func() {
		defer wg.Done()
		ytmRs, ytmErr = ytdlpSearchPlaylistYTM(ctx, q, 10)
	}()
	wg.Wait()

	if ytErr != nil && ytmErr != nil {
		return nil, fmt.Errorf("YouTube: %v, YTM: %v", ytErr, ytmErr)
	}

	var res []SearchResult
	seen := make(map[string]bool)
	for _, r := range ytmRs {
		if seen[r.URL] {
			continue
		}
		res = append(res, SearchResult{Title: "[PL] " + r.Title, ChannelName: r.Uploader, URL: r.URL})
		seen[r.URL] = true
	}
	for _, r := range ytRs {
		if seen[r.URL] {
			continue
		}
		res = append(res, SearchResult{Title: "[PL] " + r.Title, ChannelName: r.Uploader, URL: r.URL})
		seen[r.URL] = true
	}

	return res, nil
}

// ===========================
// yt-dlp
// ===========================

// newYtdlp returns a new yt-dlp command with a modern user agent and reliable player client
func newYtdlp() (*ytdlp.Command, func()) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd, func() {}
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

func ytdlpSearch(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		PreferFreeFormats().
		Run(ctx, append(args, "ytsearch"+fmt.Sprintf("%d", m)+":"+q)...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		u := ps[0]
		if extractVideoID(u) != "" {
			rs = append(rs, ytdlpSearchResult{u, ps[1], ps[2], d})
		}
	}
	return rs, nil
}

func ytdlpSearchYTM(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, fmt.Sprintf("ytmsearch%d:%s", m, q))...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		u := ps[0]
		if extractVideoID(u) != "" {
			rs = append(rs, ytdlpSearchResult{URL: u, Title: ps[1], Uploader: ps[2], Duration: d})
		}
	}
	return rs, nil
}

func ytdlpSearchPlaylist(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	searchURL := fmt.Sprintf("https://www.youtube.com/results?search_query=%s&sp=EgIQAw%%253D%%253D", url.QueryEscape(q))

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, searchURL)...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 || ps[1] == "" || ps[1] == "NA" {
			continue
		}
		rs = append(rs, ytdlpSearchResult{URL: ps[0], Title: ps[1], Uploader: ps[2]})
	}
	return rs, nil
}

func ytdlpSearchPlaylistYTM(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	searchURL := fmt.Sprintf("https://music.youtube.com/search?q=%s&filter=playlists", url.QueryEscape(q))

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, searchURL)...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 || ps[1] == "" || ps[1] == "NA" {
			continue
		}
		rs = append(rs, ytdlpSearchResult{URL: ps[0], Title: ps[1], Uploader: ps[2]})
	}
	return rs, nil
}

func ytdlpExtractMetadata(ctx context.Context, u string) (*ytdlpMetadata, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(id)s\t%(filename)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", u)...)

	if err != nil {
		LogFetch("yt-dlp metadata failed: %v, stderr: %s (URL: %s)", err, res.Stderr, u)
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 6 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		return &ytdlpMetadata{URL: ps[0], Title: ps[1], Uploader: ps[2], Duration: d, ID: ps[4], Filename: ps[5]}, nil
	}
	return nil, errors.New("failed to parse metadata")
}

// ytdlpStream pipes the best audio stream into out. The spawned
// process is registered for the guild so a teardown can kill it.
func (f *MediaFetcher) ytdlpStream(ctx context.Context, guild snowflake.ID, u string, ss time.Duration, out io.Writer) error {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	proxy := os.Getenv("YOUTUBE_PROXY")

	args := buildYtdlpArgs()
	args = append(args, "--ignore-config")
	if ss > 0 {
		args = append(args, "--ss", fmt.Sprintf("%.3f", ss.Seconds()))
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	execCmd := cmd.
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckCertificates().
		BuildCommand(pctx, append(args, u)...)

	execCmd.Stdout = out
	execCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if proxy != "" {
		execCmd.Env = append(execCmd.Env, "http_proxy="+proxy, "https_proxy="+proxy, "all_proxy="+proxy)
	}
	execCmd.WaitDelay = 0
	groupProcAttr(execCmd)

	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	tp := f.procs.Register(guild, ProcessFetch, cancel)
	tp.SetCmd(execCmd)
	defer f.procs.Unregister(tp)

	if err := execCmd.Start(); err != nil {
		return err
	}

	if err := execCmd.Wait(); err != nil {
		msg := strings.ToLower(err.Error() + stderr.String())
		if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "signal: killed") || strings.Contains(msg, "signal: interrupt") {
			return nil
		}
		LogFetch("yt-dlp stream failed: %v, stderr: %s", err, stderr.String())
		return err
	}

	return nil
}

func ytdlpResolveMetadata(ctx context.Context, u string) (string, string, string, time.Duration, int64, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := append(buildYtdlpArgs(), "--skip-download")
	res, err := cmd.
		Print("%(title)s\t%(uploader)s\t%(duration)s\t%(id)s\t%(filesize,filesize_approx)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, u)...)

	if err != nil {
		stderr := strings.ToLower(res.Stderr)
		if strings.Contains(stderr, "drm") {
			return "", "", "", 0, 0, fmt.Errorf("DRM: %w", err)
		}
		return "", "", "", 0, 0, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[2] + "s")
		sz := int64(0)
		if len(ps) >= 5 {
			fmt.Sscanf(ps[4], "%d", &sz)
		}
		return ps[0], ps[1], ps[3], d, sz, nil
	}
	return "", "", "", 0, 0, errors.New("failed to resolve metadata")
}

// EnrichArtwork fetches the thumbnail for a track in the background.
func (f *MediaFetcher) EnrichArtwork(ctx context.Context, guild snowflake.ID, t *Track) {
	t.mu.Lock()
	if t.Enriched || t.URL == "" {
		t.mu.Unlock()
		return
	}
	u := t.URL
	t.mu.Unlock()

	ectx, release := f.track(ctx, guild, ProcessLocate)
	ectx, cancel := context.WithTimeout(ectx, 5*time.Second)
	defer func() {
		cancel()
		release()
	}()

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := append(buildYtdlpArgs(), "--skip-download", "--get-thumbnail")
	res, err := cmd.Run(ectx, append(args, u)...)
	if err != nil {
		return
	}

	thumb := strings.TrimSpace(res.Stdout)
	if thumb != "" {
		t.mu.Lock()
		t.ArtworkURL = thumb
		t.Enriched = true
		t.mu.Unlock()
	}
}

func ytdlpExtractPlaylist(ctx context.Context, u string, m int) ([]ytdlpPlaylistEntry, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(id)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		BuildCommand(ctx, append(args, u, "--yes-playlist")...)

	var stdout, stderr bytes.Buffer
	res.Stdout = &stdout
	res.Stderr = &stderr

	if err := res.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp playlist failed: %w, stderr: %s", err, stderr.String())
	}

	rawOutput := strings.TrimSpace(stdout.String())
	ls := strings.Split(rawOutput, "\n")

	es := make([]ytdlpPlaylistEntry, 0)
	isYouTube := isYouTubeURL(u) || strings.Contains(u, "music.youtube.com")

	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 {
			continue
		}
		url := ps[0]
		title := ps[1]
		uploader := ps[2]

		if isYouTube && len(ps) >= 4 {
			id := ps[3]
			if id != "" && id != "NA" {
				url = "https://www.youtube.com/watch?v=" + id
			}
		}

		es = append(es, ytdlpPlaylistEntry{URL: url, Title: title, Uploader: uploader})
	}
	return es, nil
}

// extractMetadataFromDRMSite attempts to scrape metadata from DRM-protected sites
func extractMetadataFromDRMSite(ctx context.Context, url string) (title, artist string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Split(bufio.ScanLines)
	linesRead := 0
	for scanner.Scan() && linesRead < 500 {
		body.WriteString(scanner.Text())
		body.WriteString(" ")
		linesRead++
		if strings.Contains(scanner.Text(), "</head>") {
			break
		}
	}

	htmlContent := body.String()

	titleRegex := regexp.MustCompile(`<meta[^>]*property=["']og:title["'][^>]*content=["']([^"']+)["']`)
	if matches := titleRegex.FindStringSubmatch(htmlContent); len(matches) > 1 {
		title = matches[1]
		if idx := strings.Index(title, " - song and lyrics by"); idx != -1 {
			title = title[:idx]
		}
		if idx := strings.Index(title, " | Spotify"); idx != -1 {
			title = title[:idx]
		}
	}

	descRegex := regexp.MustCompile(`<meta[^>]*property=["']og:description["'][^>]*content=["']([^"']+)["']`)
	if matches := descRegex.FindStringSubmatch(htmlContent); len(matches) > 1 {
		desc := matches[1]
		if strings.Contains(strings.ToLower(url), "spotify") {
			parts := strings.Split(desc, " · ")
			if len(parts) >= 1 {
				artist = strings.TrimSpace(parts[0])
			}
		}
	}

	if title == "" {
		return "", "", errors.New("could not extract metadata")
	}

	return title, artist, nil
}

// ===========================
// Track Selection & Scoring
// ===========================

// SelectBestTrack scoring system to pick official audios from search results
func SelectBestTrack(results []ytdlpSearchResult, targetTitle, targetChannel string, targetDuration time.Duration) ytdlpSearchResult {
	if len(results) == 0 {
		return ytdlpSearchResult{}
	}
	best := results[0]
	maxScore := -100.0
	var corpus []string
	corpus = append(corpus, targetTitle)
	for _, res := range results {
		corpus = append(corpus, normalizeTitle(res.Title, ""))
	}
	weights := calculateTFIDF(corpus)

	for _, res := range results {
		score := 0.0
		// 1. Duration Match (Very strong signal)
		if targetDuration > 0 && res.Duration > 0 {
			diff := math.Abs(float64(targetDuration - res.Duration))
			if diff < 2.5*float64(time.Second) {
				score += 100
			} else if diff < 6*float64(time.Second) {
				score += 40
			}
		}
		// 2. Channel Match
		lowCh := strings.ToLower(res.Uploader)
		targetCh := strings.ToLower(targetChannel)
		if targetCh != "" {
			if lowCh == targetCh {
				score += 80
			} else if strings.Contains(lowCh, targetCh) {
				score += 30
			}
		}
		// 3. Title Match
		if targetTitle != "" {
			if weightedSimilarity(normalizeTitle(res.Title, ""), normalizeTitle(targetTitle, ""), weights) {
				score += 50
			}
		}

		if score > maxScore {
			maxScore = score
			best = res
		}
	}
	return best
}

// calculateTFIDF calculates the TF-IDF weights for a corpus of strings.
func calculateTFIDF(corpus []string) map[string]float64 {
	df := make(map[string]int)
	total := len(corpus)
	if total == 0 {
		return nil
	}
	for _, doc := range corpus {
		seen := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(doc)) {
			if !seen[w] {
				df[w]++
				seen[w] = true
			}
		}
	}
	weights := make(map[string]float64)
	for w, count := range df {
		weights[w] = math.Log(1.0 + float64(total)/float64(count))
	}
	return weights
}

// weightedSimilarity checks if two strings are similar using TF-IDF weights.
func weightedSimilarity(a, b string, weights map[string]float64) bool {
	wa, wb := strings.Fields(strings.ToLower(a)), strings.Fields(strings.ToLower(b))
	sa, sb := make(map[string]bool), make(map[string]bool)
	union := make(map[string]bool)

	for _, w := range wa {
		sa[w] = true
		union[w] = true
	}
	for _, w := range wb {
		sb[w] = true
		union[w] = true
	}
	if len(union) == 0 {
		return false
	}
	if a == b {
		return true
	}

	iScore, uScore := 0.0, 0.0
	for w := range union {
		wt := 1.0
		if weights != nil {
			if val, ok := weights[w]; ok {
				wt = val
			} else {
				wt = math.Log(1.0 + float64(len(weights)))
			}
		}
		if sa[w] && sb[w] {
			iScore += wt
		}
		uScore += wt
	}
	if uScore == 0 {
		return false
	}
	return (iScore / uScore) >= 0.7
}

// fastResolveMetadata attempts to resolve metadata using native Go libraries (ytsearch)
func fastResolveMetadata(ctx context.Context, id string) (string, string, time.Duration, error) {
	c := ytsearch.NewClient(nil)
	res, err := c.Search(ctx, id)
	if err != nil {
		return "", "", 0, err
	}
	if len(res.Results) > 0 {
		for _, r := range res.Results {
			if r.VideoID == id {
				d := parseDurationColon(r.Duration)
				return r.Title, r.Channel, d, nil
			}
		}
		if res.Results[0].VideoID == id {
			d := parseDurationColon(res.Results[0].Duration)
			return res.Results[0].Title, res.Results[0].Channel, d, nil
		}
	}
	return "", "", 0, errors.New("not found")
}

// parseDurationColon parses duration strings like "3:20" or "1:05:20"
func parseDurationColon(s string) time.Duration {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0
	}
	var h, m, sec int
	var err error
	if len(parts) == 3 {
		h, err = strconv.Atoi(parts[0])
		if err != nil {
			return 0
		}
		m, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0
		}
		sec, err = strconv.Atoi(parts[2])
		if err != nil {
			return 0
		}
	} else {
		m, err = strconv.Atoi(parts[0])
		if err != nil {
			return 0
		}
		sec, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0
		}
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}

// ===========================
// URL & Title Normalization
// ===========================

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// extractVideoID extracts the video ID from a YouTube-related URL.
// Anything without a recognizable ID hashes deterministically so the
// same URL always yields the same identity.
func extractVideoID(u string) string {
	id := ""
	if matches := videoIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if matches := rawIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if strings.Contains(u, "youtu.be/") {
		parts := strings.Split(u, "youtu.be/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	} else if strings.Contains(u, "shorts/") {
		parts := strings.Split(u, "shorts/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	}

	if id == "" || len(id) > 50 {
		hash := sha256.Sum256([]byte(u))
		return hex.EncodeToString(hash[:16])
	}
	return id
}

// isYouTubeURL checks if a URL is a YouTube URL.
func isYouTubeURL(u string) bool {
	return strings.Contains(u, "youtube.com") || strings.Contains(u, "youtu.be") || strings.Contains(u, "google.com/url")
}

// isLikelyMusicStreamingSite detects music streaming sites abstractly without hardcoding specific domains
func isLikelyMusicStreamingSite(url string) bool {
	lowerURL := strings.ToLower(url)

	musicPathPatterns := []string{
		"/track/", "/tracks/",
		"/album/", "/albums/",
		"/song/", "/songs/",
		"/playlist/", "/playlists/",
		"/artist/", "/artists/",
		"/music/",
	}

	for _, pattern := range musicPathPatterns {
		if strings.Contains(lowerURL, pattern) {
			return true
		}
	}

	musicSubdomains := []string{
		"music.", "play.", "listen.", "stream.",
	}

	for _, subdomain := range musicSubdomains {
		if strings.Contains(lowerURL, "://"+subdomain) || strings.Contains(lowerURL, "://www."+subdomain) {
			return true
		}
	}

	return false
}

// normalizeTitle normalizes a title by removing metadata blocks and converting to lowercase.
func normalizeTitle(ti, ch string) string {
	if ti == "" {
		return ""
	}

	tBuf := camelCaseRegex.ReplaceAllString(ti, "${1} ${2}")
	cBuf := camelCaseRegex.ReplaceAllString(ch, "${1} ${2}")

	t, c := strings.ToLower(tBuf), strings.ToLower(cBuf)

	for _, sep := range []string{"|", "//", " ─ ", " - "} {
		if strings.Contains(t, sep) {
			ps := strings.Split(t, sep)
			var nps []string
			for _, p := range ps {
				pt := strings.TrimSpace(p)
				shouldStrip := pt == c || pt == strings.ReplaceAll(c, " ", "")
				if !shouldStrip {
					nps = append(nps, pt)
				}
			}
			if len(nps) > 0 {
				t = strings.Join(nps, " ")
			}
			break
		}
	}
	for {
		t = strings.TrimSpace(t)
		loc := metadataBlockRegex.FindStringIndex(t)
		if loc != nil && loc[1] == len(t) {
			t = t[:loc[0]]
			continue
		}
		break
	}
	if c != "" {
		t = strings.ReplaceAll(t, c, " ")
	}
	var sb strings.Builder
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// ===========================
// Metadata Sidecar Cache
// ===========================

func (f *MediaFetcher) readMetadataCache(sourceID string) *CachedMetadata {
	base, ok := f.lookupMetaBase(sourceID)
	if !ok {
		return nil
	}
	b, err := os.ReadFile(MetaPath(base))
	if err != nil {
		return nil
	}
	var cm CachedMetadata
	if json.Unmarshal(b, &cm) != nil {
		return nil
	}
	return &cm
}

func (f *MediaFetcher) writeMetadataCache(base string, cm *CachedMetadata) {
	b, err := json.Marshal(cm)
	if err != nil {
		return
	}
	if err := os.WriteFile(MetaPath(base), b, 0644); err != nil {
		return
	}
	f.metaMu.Lock()
	f.metaIdx[cm.SourceID] = base
	f.metaMu.Unlock()
}

func (f *MediaFetcher) lookupMetaBase(sourceID string) (string, bool) {
	f.metaMu.Lock()
	defer f.metaMu.Unlock()
	base, ok := f.metaIdx[sourceID]
	if !ok {
		return "", false
	}
	if _, err := os.Stat(MetaPath(base)); err != nil {
		delete(f.metaIdx, sourceID)
		return "", false
	}
	return base, true
}

// findCachedAudio returns the cached audio file for a source, if its
// download previously completed.
func (f *MediaFetcher) findCachedAudio(sourceID string) (string, bool) {
	base, ok := f.lookupMetaBase(sourceID)
	if !ok {
		return "", false
	}
	matches, err := filepath.Glob(f.files.VariantGlob(base))
	if err != nil {
		return "", false
	}
	for _, m := range matches {
		switch filepath.Ext(m) {
		case ".meta", ".part":
			continue
		}
		if fi, err := os.Stat(m); err == nil && fi.Size() > 0 {
			return m, true
		}
	}
	return "", false
}

// ===========================
// Cache Janitor
// ===========================

// cacheJanitor is a daemon starter that periodically trims the audio
// cache directory back under its size cap and drops expired search
// results from the query cache.
func (f *MediaFetcher) cacheJanitor(ctx context.Context) (bool, func(), func()) {
	run := func() {
		queryTicker := time.NewTicker(10 * time.Minute)
		defer queryTicker.Stop()
		diskTicker := time.NewTicker(30 * time.Minute)
		defer diskTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-queryTicker.C:
				f.sweepQueryCache()
			case <-diskTicker.C:
				f.TrimCache()
			}
		}
	}
	return true, run, nil
}

func (f *MediaFetcher) sweepQueryCache() {
	f.cache.Lock()
	now := time.Now()
	for q, item := range f.cache.items {
		if now.After(item.expiresAt) {
			delete(f.cache.items, q)
		}
	}
	f.cache.Unlock()
}

// TrimCache removes the oldest finished cache files until the
// directory is back under maxCacheBytes. Files young enough to still
// be playing are left alone.
func (f *MediaFetcher) TrimCache() {
	entries, err := os.ReadDir(f.files.Dir())
	if err != nil {
		return
	}

	type cacheFile struct {
		path  string
		size  int64
		mtime time.Time
	}

	grace := f.cfg.MaxDuration + 30*time.Minute
	if f.cfg.MaxDuration == 0 {
		grace = 4 * time.Hour
	}

	var files []cacheFile
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		total += fi.Size()
		if filepath.Ext(e.Name()) == ".part" {
			continue
		}
		if time.Since(fi.ModTime()) < grace {
			continue
		}
		files = append(files, cacheFile{path: filepath.Join(f.files.Dir(), e.Name()), size: fi.Size(), mtime: fi.ModTime()})
	}

	if total <= maxCacheBytes {
		return
	}

	for i := range files {
		for j := i + 1; j < len(files); j++ {
			if files[j].mtime.Before(files[i].mtime) {
				files[i], files[j] = files[j], files[i]
			}
		}
	}

	for _, cf := range files {
		if total <= maxCacheBytes {
			break
		}
		if res := f.files.DeleteVariants(cf.path); res != DeleteFailed {
			total -= cf.size
			LogCache("Trimmed cache file: %s (Size: %d bytes)", cf.path, cf.size)
		}
	}

	f.metaMu.Lock()
	for id, base := range f.metaIdx {
		if _, err := os.Stat(MetaPath(base)); err != nil {
			delete(f.metaIdx, id)
		}
	}
	f.metaMu.Unlock()
}
