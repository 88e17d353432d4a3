// Package uploader archives one event's clip to remote storage: it resolves
// the dated folder path, downloads the clip from the source, and streams it
// up. It owns the folder-id cache and the clip-missing retry decision.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/clipvault/clipvault/internal/domain/models"
	"github.com/clipvault/clipvault/internal/lib/logger/sl"
	"github.com/clipvault/clipvault/internal/remote"
	"github.com/clipvault/clipvault/internal/source"
)

const (
	// defaultDisableRetryTries is the attempt count at or beyond which a
	// confirmed-missing clip permanently disables further retries.
	defaultDisableRetryTries = 10
	defaultFolderCacheSize   = 256
)

type ClipSource interface {
	DownloadClip(ctx context.Context, eventID string) (io.ReadCloser, error)
}

type Archive interface {
	FindFolder(ctx context.Context, parentID, name string) (remote.Folder, error)
	CreateFolder(ctx context.Context, parentID, name string) (remote.Folder, error)
	Folder(ctx context.Context, folderID string) (remote.Folder, error)
	UploadFile(ctx context.Context, folderID, name string, r io.Reader) (string, error)
	ListFilesOlderThan(ctx context.Context, cutoff time.Time) ([]remote.File, error)
	ListChildren(ctx context.Context, folderID string) ([]string, error)
	Delete(ctx context.Context, objectID string) error
}

// RetryGate is the slice of the event store the uploader needs to disable
// retries for permanently missing clips.
type RetryGate interface {
	Tries(ctx context.Context, eventID string) (int, error)
	DisableRetry(ctx context.Context, eventID string) error
}

type Opts struct {
	Log               *slog.Logger
	RootFolder        string
	Location          *time.Location
	UploadTimeout     time.Duration
	RetentionDays     int
	DisableRetryTries int
	FolderCacheSize   int
}

type Uploader struct {
	log               *slog.Logger
	clips             ClipSource
	archive           Archive
	retryGate         RetryGate
	rootFolder        string
	location          *time.Location
	uploadTimeout     time.Duration
	retentionDays     int
	disableRetryTries int

	// folderMu guards every cache access. It makes each lookup-or-create
	// atomic so two concurrent uploads never race into duplicate dated
	// folders, and it covers retention dropping entries while uploads read.
	folderMu    sync.Mutex
	folderCache *boundedCache
}

func New(opts Opts, clips ClipSource, archive Archive, retryGate RetryGate) *Uploader {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 300 * time.Second
	}
	if opts.DisableRetryTries <= 0 {
		opts.DisableRetryTries = defaultDisableRetryTries
	}
	if opts.FolderCacheSize <= 0 {
		opts.FolderCacheSize = defaultFolderCacheSize
	}

	return &Uploader{
		log:               opts.Log,
		clips:             clips,
		archive:           archive,
		retryGate:         retryGate,
		rootFolder:        opts.RootFolder,
		location:          opts.Location,
		uploadTimeout:     opts.UploadTimeout,
		retentionDays:     opts.RetentionDays,
		disableRetryTries: opts.DisableRetryTries,
		folderCache:       newBoundedCache(opts.FolderCacheSize),
	}
}

// Upload archives one clip. It returns false on any unrecoverable error for
// this attempt; event-level retry is the caller's job.
func (u *Uploader) Upload(ctx context.Context, n models.Notification) bool {
	const op = "uploader.Upload"
	log := u.log.With(slog.String("op", op), slog.String("event_id", n.ID))

	filename, day := u.clipName(n)

	folderID, err := u.resolveDatedFolder(ctx, day)
	if err != nil {
		log.Error("failed to resolve archive folder", sl.Err(err))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, u.uploadTimeout)
	defer cancel()

	clip, err := u.clips.DownloadClip(ctx, n.ID)
	if err != nil {
		if errors.Is(err, source.ErrClipMissing) {
			u.handleMissingClip(ctx, n.ID, log)
			return false
		}
		log.Error("failed to download clip", sl.Err(err))
		return false
	}
	defer clip.Close()

	// Buffer the whole clip locally first so a slow source cannot stall the
	// remote transfer mid-stream.
	tmp, err := os.CreateTemp("", "clipvault-*.mp4")
	if err != nil {
		log.Error("failed to create temp file", sl.Err(err))
		return false
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, clip); err != nil {
		log.Error("failed to buffer clip", sl.Err(err))
		return false
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		log.Error("failed to rewind clip buffer", sl.Err(err))
		return false
	}

	fileID, err := u.archive.UploadFile(ctx, folderID, filename, tmp)
	if err != nil {
		log.Error("failed to upload clip", sl.Err(err))
		return false
	}

	log.Info("clip archived", slog.String("file", filename), slog.String("file_id", fileID))

	return true
}

// handleMissingClip converts the distinguished clip-missing outcome into a
// permanent retry stop once the event has burned through enough attempts.
// This is the single mechanism that ever clears the retry flag.
func (u *Uploader) handleMissingClip(ctx context.Context, eventID string, log *slog.Logger) {
	log.Warn("clip not found at source")

	tries, err := u.retryGate.Tries(ctx, eventID)
	if err != nil {
		log.Error("failed to read tries", sl.Err(err))
		return
	}

	if tries < u.disableRetryTries {
		return
	}

	if err := u.retryGate.DisableRetry(ctx, eventID); err != nil {
		log.Error("failed to disable retry", sl.Err(err))
		return
	}

	log.Error("clip permanently unobtainable, marking event as non-retriable",
		slog.Int("tries", tries))
}

// clipName renders the archive filename and its year/month/day path parts
// from the event's start time in the configured timezone.
func (u *Uploader) clipName(n models.Notification) (string, [3]string) {
	start := time.Now()
	if n.StartTime != nil {
		sec := int64(*n.StartTime)
		nsec := int64((*n.StartTime - float64(sec)) * float64(time.Second))
		start = time.Unix(sec, nsec)
	}
	local := start.In(u.location)

	filename := fmt.Sprintf("%s__%s__%s.mp4", local.Format("2006-01-02-15-04-05"), n.Camera, n.ID)
	day := [3]string{local.Format("2006"), local.Format("01"), local.Format("02")}

	return filename, day
}

// resolveDatedFolder walks root/year/month/day, creating levels as needed.
func (u *Uploader) resolveDatedFolder(ctx context.Context, day [3]string) (string, error) {
	parentID := ""
	for _, name := range []string{u.rootFolder, day[0], day[1], day[2]} {
		id, err := u.ensureFolder(ctx, parentID, name)
		if err != nil {
			return "", err
		}
		parentID = id
	}

	return parentID, nil
}

func (u *Uploader) ensureFolder(ctx context.Context, parentID, name string) (string, error) {
	const op = "uploader.ensureFolder"

	u.folderMu.Lock()
	defer u.folderMu.Unlock()

	key := parentID + "/" + name
	if id, ok := u.folderCache.get(key); ok {
		return id, nil
	}

	folder, err := u.archive.FindFolder(ctx, parentID, name)
	if errors.Is(err, remote.ErrNotFound) {
		folder, err = u.archive.CreateFolder(ctx, parentID, name)
	}
	if err != nil {
		return "", fmt.Errorf("%s: folder %q: %w", op, name, err)
	}

	u.folderCache.put(key, folder.ID)

	return folder.ID, nil
}

// CleanupRemote deletes archived files older than the retention horizon and
// removes folders the deletion left empty. A zero horizon disables it.
func (u *Uploader) CleanupRemote(ctx context.Context) error {
	const op = "uploader.CleanupRemote"
	log := u.log.With(slog.String("op", op))

	if u.retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -u.retentionDays)
	files, err := u.archive.ListFilesOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, file := range files {
		if err := u.archive.Delete(ctx, file.ID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			log.Error("failed to delete aged file", slog.String("file_id", file.ID), sl.Err(err))
			continue
		}

		log.Info("deleted aged file", slog.String("name", file.Name))

		if file.ParentID != "" {
			u.cleanupEmptyFolders(ctx, file.ParentID, log)
		}
	}

	return nil
}

// cleanupEmptyFolders deletes a folder when it has no children left, then
// walks up to its parent. Already-deleted folders are skipped quietly.
func (u *Uploader) cleanupEmptyFolders(ctx context.Context, folderID string, log *slog.Logger) {
	for folderID != "" {
		children, err := u.archive.ListChildren(ctx, folderID)
		if err != nil {
			if !errors.Is(err, remote.ErrNotFound) {
				log.Error("failed to list folder children", slog.String("folder_id", folderID), sl.Err(err))
			}
			return
		}
		if len(children) > 0 {
			return
		}

		folder, err := u.archive.Folder(ctx, folderID)
		if err != nil {
			if !errors.Is(err, remote.ErrNotFound) {
				log.Error("failed to load folder", slog.String("folder_id", folderID), sl.Err(err))
			}
			return
		}

		if err := u.archive.Delete(ctx, folderID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			log.Error("failed to delete empty folder", slog.String("folder_id", folderID), sl.Err(err))
			return
		}

		log.Info("deleted empty folder", slog.String("name", folder.Name))

		u.folderMu.Lock()
		u.folderCache.drop(folder.ParentID + "/" + folder.Name)
		u.folderMu.Unlock()

		folderID = folder.ParentID
	}
}

// boundedCache is a small FIFO-evicting map for folder ids.
type boundedCache struct {
	max     int
	entries map[string]string
	order   []string
}

func newBoundedCache(max int) *boundedCache {
	return &boundedCache{max: max, entries: make(map[string]string, max)}
}

func (c *boundedCache) get(key string) (string, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *boundedCache) put(key, value string) {
	if _, ok := c.entries[key]; !ok {
		for len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = value
}

func (c *boundedCache) drop(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
