// Package sftp provides the remote filesystem transport over SSH.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrConnect indicates the transport session could not be established.
	ErrConnect = errors.New("sftp connect failed")
	// ErrDirExists indicates a mkdir target is already present as a directory.
	ErrDirExists = errors.New("remote directory already exists")
)

// Service defines the interface for opening transport sessions.
type Service interface {
	Connect(ctx context.Context, cfg models.SFTPConfig) (Session, error)
	TestConnection(ctx context.Context, cfg models.SFTPConfig) error
}

// Session is an open remote filesystem. Implementations are safe for concurrent use.
type Session interface {
	// Mkdir creates one directory. It returns ErrDirExists when the path is
	// already a directory and any other failure (permissions, missing parent) as is.
	Mkdir(path string) error
	PutFile(localPath, remotePath string) (int64, error)
	Close() error
}

// RemoteFS wraps sftp.Client for mocking.
type RemoteFS interface {
	Mkdir(path string) error
	Stat(path string) (os.FileInfo, error)
	Create(path string) (io.WriteCloser, error)
	Close() error
}

// ClientFactory creates remote filesystem clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (RemoteFS, error)
}

// DefaultClientFactory dials SSH and starts the sftp subsystem.
type DefaultClientFactory struct{}

// NewClient creates a new SFTP client over a fresh SSH connection.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (RemoteFS, error) {
	conn, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}
	return &defaultRemoteFS{conn: conn, client: client}, nil
}

type defaultRemoteFS struct {
	conn   *ssh.Client
	client *sftp.Client
}

func (r *defaultRemoteFS) Mkdir(path string) error {
	return r.client.Mkdir(path)
}

func (r *defaultRemoteFS) Stat(path string) (os.FileInfo, error) {
	return r.client.Stat(path)
}

func (r *defaultRemoteFS) Create(path string) (io.WriteCloser, error) {
	return r.client.Create(path)
}

func (r *defaultRemoteFS) Close() error {
	return errors.Join(r.client.Close(), r.conn.Close())
}

// Impl implements the SFTP Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SFTP service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SFTP service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.SFTPConfig) (*ssh.ClientConfig, error) {
	if cfg.Password == "" {
		return nil, fmt.Errorf("no password provided")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // homelab environment
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts from %s: %w", cfg.KnownHostsPath, err)
		}
		hostKeyCallback = cb
	}

	password := cfg.Password
	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}, nil
}

// Connect opens a session to the configured host.
func (s *Impl) Connect(ctx context.Context, cfg models.SFTPConfig) (Session, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Msg("connecting to remote host")

	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	type dialResult struct {
		fs  RemoteFS
		err error
	}
	resultChan := make(chan dialResult, 1)

	go func() {
		fs, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		resultChan <- dialResult{fs, err}
	}()

	select {
	case <-ctx.Done():
		// The dial may still succeed after we gave up on it.
		go func() {
			if res := <-resultChan; res.fs != nil {
				_ = res.fs.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
	case res := <-resultChan:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, res.err)
		}
		s.logger.Info().Str("addr", addr).Msg("connection established")
		return &session{fs: res.fs, logger: s.logger}, nil
	}
}

// TestConnection verifies connectivity and that the remote base path is reachable.
func (s *Impl) TestConnection(ctx context.Context, cfg models.SFTPConfig) error {
	sess, err := s.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	impl := sess.(*session)
	defer func() { _ = impl.Close() }()

	target := cfg.RemotePath
	if target == "" {
		target = "."
	}
	if _, err := impl.fs.Stat(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", target, err)
	}
	return nil
}

type session struct {
	fs     RemoteFS
	logger zerolog.Logger
}

func (s *session) Mkdir(path string) error {
	err := s.fs.Mkdir(path)
	if err == nil {
		return nil
	}
	// Servers report "exists" with a generic failure code; only a stat can
	// tell it apart from permission problems.
	if info, statErr := s.fs.Stat(path); statErr == nil && info.IsDir() {
		return ErrDirExists
	}
	return fmt.Errorf("creating remote directory %s: %w", path, err)
}

func (s *session) PutFile(localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath) //nolint:gosec // path comes from the source walk
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := s.fs.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("creating remote file %s: %w", remotePath, err)
	}

	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		return n, fmt.Errorf("writing %s: %w", remotePath, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("closing %s: %w", remotePath, closeErr)
	}

	s.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Msg("file uploaded")

	return n, nil
}

func (s *session) Close() error {
	if err := s.fs.Close(); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	s.logger.Debug().Msg("session closed")
	return nil
}
