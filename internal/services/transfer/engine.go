// Package transfer mirrors local source trees into a new timestamped remote snapshot.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/fgeck/gosftp-homelab/internal/services/ledger"
	"github.com/fgeck/gosftp-homelab/internal/services/manifest"
	"github.com/fgeck/gosftp-homelab/internal/services/progress"
	"github.com/fgeck/gosftp-homelab/internal/services/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRemoteCollision indicates the timestamped snapshot root already exists remotely.
	ErrRemoteCollision = errors.New("remote snapshot directory already exists")
	// ErrFolderNameClash indicates two sources would mirror into the same remote folder.
	ErrFolderNameClash = errors.New("source folders share a name")
)

// UploadError describes a single file that failed to transfer.
type UploadError struct {
	LocalPath  string
	RemotePath string
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s -> %s: %v", e.LocalPath, e.RemotePath, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Service defines the interface for the snapshot transfer engine.
type Service interface {
	Run(ctx context.Context, req models.TransferRequest, tracker progress.Tracker) (*models.TransferResult, error)
}

// Impl implements the transfer Service interface.
type Impl struct {
	sftpSvc  sftp.Service
	ledger   ledger.Ledger
	settings models.TransferSettings
	logger   zerolog.Logger
}

// New creates a new transfer engine.
func New(logger zerolog.Logger, sftpSvc sftp.Service, l ledger.Ledger, settings models.TransferSettings) *Impl {
	if settings.Workers < 1 {
		settings.Workers = 1
	}
	if settings.UploadFailurePolicy == "" {
		settings.UploadFailurePolicy = models.UploadPolicyAbort
	}
	return &Impl{
		sftpSvc:  sftpSvc,
		ledger:   l,
		settings: settings,
		logger:   logger,
	}
}

// Run counts the manifest, opens a session, creates the snapshot root, mirrors
// every source folder into it and records the run in the ledger.
//
// Operation failures are reported in the result; the returned error is only
// set for invalid requests.
func (s *Impl) Run(ctx context.Context, req models.TransferRequest, tracker progress.Tracker) (*models.TransferResult, error) {
	if req.Timestamp == "" {
		return nil, errors.New("transfer request has no timestamp")
	}
	if tracker == nil {
		tracker = nopTracker{}
	}

	start := time.Now()
	result := &models.TransferResult{
		State: models.StateIdle,
		Run:   models.BackupRun{Timestamp: req.Timestamp},
	}
	abort := func(err error) (*models.TransferResult, error) {
		result.State = models.StateAborted
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil
	}

	if err := checkFolderNames(req.Sources); err != nil {
		return abort(err)
	}

	policy := manifest.NewPolicy(req.Exclude)
	total, err := manifest.CountAll(req.Sources, policy)
	if err != nil {
		return abort(fmt.Errorf("counting files: %w", err))
	}
	result.Run.TotalFiles = total
	tracker.OnFileCompleted(0, total)

	s.logger.Info().
		Int("folders", len(req.Sources)).
		Int("total_files", total).
		Msg("manifest counted")

	sess, err := s.sftpSvc.Connect(ctx, req.Connection)
	if err != nil {
		return abort(err)
	}
	result.State = models.StateConnected

	r := &run{
		sess:     sess,
		policy:   policy,
		tracker:  tracker,
		result:   result,
		total:    total,
		workers:  s.settings.Workers,
		tolerant: s.settings.UploadFailurePolicy == models.UploadPolicyContinue,
		logger:   s.logger,
	}

	if err := r.executeAndClose(ctx, req); err != nil {
		return abort(err)
	}
	result.State = models.StateClosed
	result.Folder = ""
	result.Duration = time.Since(start)

	s.logger.Info().
		Str("remote_root", result.Run.RemoteRoot).
		Int("uploaded", result.Run.UploadedFiles).
		Int("total", result.Run.TotalFiles).
		Int("failed", len(result.Failures)).
		Str("bytes", humanize.IBytes(uint64(result.BytesUploaded))). //nolint:gosec // never negative
		Dur("duration", result.Duration).
		Msg("snapshot transfer completed")

	if s.ledger != nil {
		if err := s.ledger.Append(ctx, result.Run); err != nil {
			result.Error = fmt.Errorf("recording run in ledger: %w", err)
		}
	}

	return result, nil
}

// remoteFolderName is the directory a source folder is mirrored into.
func remoteFolderName(folder string) string {
	return filepath.Base(filepath.Clean(folder))
}

func checkFolderNames(sources []string) error {
	seen := make(map[string]string, len(sources))
	for _, f := range sources {
		name := remoteFolderName(f)
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%w: %s and %s both map to %q", ErrFolderNameClash, prev, f, name)
		}
		seen[name] = f
	}
	return nil
}

type workItem struct {
	local  string
	remote string
}

// run is the state of one transfer; it lives for a single Run call.
type run struct {
	sess     sftp.Session
	policy   manifest.Policy
	tracker  progress.Tracker
	result   *models.TransferResult
	total    int
	workers  int
	tolerant bool
	logger   zerolog.Logger

	mu       sync.Mutex
	uploaded int
	warned   bool
}

// executeAndClose always attempts to close the session, also on panic.
func (r *run) executeAndClose(ctx context.Context, req models.TransferRequest) error {
	defer func() {
		if closeErr := r.sess.Close(); closeErr != nil {
			r.logger.Warn().Err(closeErr).Msg("failed to close session")
		}
	}()

	root, err := r.createRoot(req.Connection.RemotePath, req.Timestamp)
	if err != nil {
		return err
	}
	r.result.Run.RemoteRoot = root
	r.result.State = models.StateRootCreated

	for _, folder := range req.Sources {
		r.result.State = models.StateMirroring
		r.result.Folder = folder

		remote := path.Join(root, remoteFolderName(folder))
		r.logger.Info().Str("folder", folder).Str("remote", remote).Msg("mirroring folder")

		if err := r.ensureDir(remote); err != nil {
			return err
		}
		if err := r.mirror(ctx, folder, remote); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) createRoot(base, timestamp string) (string, error) {
	if base == "" {
		base = "."
	}
	if err := r.ensureAll(base); err != nil {
		return "", err
	}

	root := path.Join(base, timestamp)
	if err := r.sess.Mkdir(root); err != nil {
		if errors.Is(err, sftp.ErrDirExists) {
			return "", fmt.Errorf("%w: %s", ErrRemoteCollision, root)
		}
		return "", err
	}

	r.logger.Info().Str("remote_root", root).Msg("snapshot root created")
	return root, nil
}

// ensureAll idempotently creates every segment of p.
func (r *run) ensureAll(p string) error {
	p = path.Clean(p)
	if p == "." || p == "/" {
		return nil
	}

	current := ""
	if strings.HasPrefix(p, "/") {
		current = "/"
	}
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		current = path.Join(current, seg)
		if err := r.ensureDir(current); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) ensureDir(p string) error {
	if err := r.sess.Mkdir(p); err != nil && !errors.Is(err, sftp.ErrDirExists) {
		return err
	}
	return nil
}

// mirror walks localDir with an explicit stack. Every remote directory is
// created before it is pushed, so uploads into it always find it present.
func (r *run) mirror(ctx context.Context, localDir, remoteDir string) error {
	stack := []workItem{{local: localDir, remote: remoteDir}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		listing, err := manifest.List(item.local, r.policy)
		if err != nil {
			return err
		}

		for _, d := range listing.Dirs {
			next := workItem{
				local:  filepath.Join(item.local, d.Name()),
				remote: path.Join(item.remote, d.Name()),
			}
			if err := r.ensureDir(next.remote); err != nil {
				return err
			}
			stack = append(stack, next)
		}

		if err := r.uploadFiles(ctx, item, listing); err != nil {
			return err
		}
	}
	return nil
}

// uploadFiles uploads the files of one directory with at most r.workers in flight.
func (r *run) uploadFiles(ctx context.Context, item workItem, listing manifest.Listing) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, f := range listing.Files {
		local := filepath.Join(item.local, f.Name())
		remote := path.Join(item.remote, f.Name())

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := r.sess.PutFile(local, remote)
			if err != nil {
				upErr := &UploadError{LocalPath: local, RemotePath: remote, Err: err}
				if r.tolerant {
					r.recordFailure(upErr)
					return nil
				}
				return upErr
			}
			r.logger.Debug().
				Str("local", local).
				Str("remote", remote).
				Int64("bytes", n).
				Msg("file uploaded")
			r.completed(n)
			return nil
		})
	}
	return g.Wait()
}

func (r *run) completed(bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.uploaded++
	r.result.Run.UploadedFiles = r.uploaded
	r.result.BytesUploaded += bytes

	if r.uploaded > r.total && !r.warned {
		r.warned = true
		r.logger.Warn().
			Int("uploaded", r.uploaded).
			Int("total", r.total).
			Msg("source changed during transfer, more files than counted")
	}

	// Called under the lock so the tracker sees counter values in order.
	r.tracker.OnFileCompleted(r.uploaded, r.total)
}

func (r *run) recordFailure(err *UploadError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.result.Failures = append(r.result.Failures, models.FileFailure{
		LocalPath:  err.LocalPath,
		RemotePath: err.RemotePath,
		Error:      err.Err,
	})
	r.logger.Error().
		Err(err.Err).
		Str("local", err.LocalPath).
		Str("remote", err.RemotePath).
		Msg("upload failed, continuing")
}

type nopTracker struct{}

func (nopTracker) OnFileCompleted(uploaded, total int) float64 {
	return progress.Compute(uploaded, total, 0).Percentage
}
