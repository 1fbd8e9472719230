package sftp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// Mock implementations
type fakeInfo struct {
	name string
	dir  bool
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return 0 }
func (f fakeInfo) Mode() os.FileMode  { return 0o755 }
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() any           { return nil }

type bufferCloser struct {
	bytes.Buffer
	closeErr error
}

func (b *bufferCloser) Close() error { return b.closeErr }

type mockRemoteFS struct {
	mu        sync.Mutex
	dirs      map[string]bool
	files     map[string]*bufferCloser
	mkdirFunc func(path string) error
	closed    bool
	closeErr  error
}

func newMockRemoteFS() *mockRemoteFS {
	return &mockRemoteFS{dirs: map[string]bool{}, files: map[string]*bufferCloser{}}
}

func (m *mockRemoteFS) Mkdir(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mkdirFunc != nil {
		return m.mkdirFunc(path)
	}
	if m.dirs[path] {
		return errors.New("sftp: \"Failure\" (SSH_FX_FAILURE)")
	}
	m.dirs[path] = true
	return nil
}

func (m *mockRemoteFS) Stat(path string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[path] {
		return fakeInfo{name: path, dir: true}, nil
	}
	if _, ok := m.files[path]; ok {
		return fakeInfo{name: path}, nil
	}
	return nil, os.ErrNotExist
}

func (m *mockRemoteFS) Create(path string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &bufferCloser{}
	m.files[path] = b
	return b, nil
}

func (m *mockRemoteFS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (RemoteFS, error)
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (RemoteFS, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return newMockRemoteFS(), nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.SFTPConfig {
	return models.SFTPConfig{
		Host:       "192.168.1.100",
		Port:       22,
		Username:   "backup",
		Password:   "secret",
		RemotePath: "backups",
	}
}

func connect(t *testing.T, fs *mockRemoteFS) Session {
	t.Helper()
	factory := &mockClientFactory{
		newClientFunc: func(string, string, *ssh.ClientConfig) (RemoteFS, error) {
			return fs, nil
		},
	}
	sess, err := NewWithClientFactory(testLogger(), factory).Connect(context.Background(), testConfig())
	require.NoError(t, err)
	return sess
}

func TestConnect_Success(t *testing.T) {
	var capturedAddr string
	var capturedUser string

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (RemoteFS, error) {
			capturedAddr = addr
			capturedUser = config.User
			return newMockRemoteFS(), nil
		},
	}

	sess, err := NewWithClientFactory(testLogger(), factory).Connect(context.Background(), testConfig())

	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "192.168.1.100:22", capturedAddr)
	assert.Equal(t, "backup", capturedUser)
}

func TestConnect_DialFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(string, string, *ssh.ClientConfig) (RemoteFS, error) {
			return nil, errors.New("connection refused")
		},
	}

	_, err := NewWithClientFactory(testLogger(), factory).Connect(context.Background(), testConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestConnect_NoPassword(t *testing.T) {
	cfg := testConfig()
	cfg.Password = ""

	_, err := NewWithClientFactory(testLogger(), &mockClientFactory{}).Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Contains(t, err.Error(), "no password")
}

func TestConnect_MissingKnownHosts(t *testing.T) {
	cfg := testConfig()
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

	_, err := NewWithClientFactory(testLogger(), &mockClientFactory{}).Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "known_hosts")
}

func TestConnect_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	fs := newMockRemoteFS()
	factory := &mockClientFactory{
		newClientFunc: func(string, string, *ssh.ClientConfig) (RemoteFS, error) {
			<-release
			return fs, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWithClientFactory(testLogger(), factory).Connect(ctx, testConfig())
	close(release)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.closed
	}, time.Second, 10*time.Millisecond)
}

func TestSession_Mkdir_Idempotent(t *testing.T) {
	sess := connect(t, newMockRemoteFS())

	require.NoError(t, sess.Mkdir("backups"))
	err := sess.Mkdir("backups")

	assert.ErrorIs(t, err, ErrDirExists)
}

func TestSession_Mkdir_PermissionDenied(t *testing.T) {
	fs := newMockRemoteFS()
	fs.mkdirFunc = func(string) error { return os.ErrPermission }
	sess := connect(t, fs)

	err := sess.Mkdir("backups")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDirExists)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestSession_Mkdir_ExistingFileIsNotADirectory(t *testing.T) {
	fs := newMockRemoteFS()
	fs.files["backups"] = &bufferCloser{}
	fs.mkdirFunc = func(string) error { return errors.New("failure") }
	sess := connect(t, fs)

	err := sess.Mkdir("backups")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDirExists)
}

func TestSession_PutFile(t *testing.T) {
	local := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o600))
	fs := newMockRemoteFS()
	sess := connect(t, fs)

	n, err := sess.PutFile(local, "backups/a.txt")

	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", fs.files["backups/a.txt"].String())
}

func TestSession_PutFile_MissingLocal(t *testing.T) {
	sess := connect(t, newMockRemoteFS())

	_, err := sess.PutFile(filepath.Join(t.TempDir(), "nope"), "backups/nope")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening")
}

func TestSession_Close(t *testing.T) {
	fs := newMockRemoteFS()
	sess := connect(t, fs)

	require.NoError(t, sess.Close())
	assert.True(t, fs.closed)
}

func TestSession_CloseError(t *testing.T) {
	fs := newMockRemoteFS()
	fs.closeErr = errors.New("broken pipe")
	sess := connect(t, fs)

	err := sess.Close()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "closing session")
}

func TestTestConnection_Success(t *testing.T) {
	fs := newMockRemoteFS()
	fs.dirs["backups"] = true
	factory := &mockClientFactory{
		newClientFunc: func(string, string, *ssh.ClientConfig) (RemoteFS, error) { return fs, nil },
	}

	err := NewWithClientFactory(testLogger(), factory).TestConnection(context.Background(), testConfig())

	require.NoError(t, err)
	assert.True(t, fs.closed)
}

func TestTestConnection_MissingBasePathIsFine(t *testing.T) {
	fs := newMockRemoteFS()
	factory := &mockClientFactory{
		newClientFunc: func(string, string, *ssh.ClientConfig) (RemoteFS, error) { return fs, nil },
	}

	err := NewWithClientFactory(testLogger(), factory).TestConnection(context.Background(), testConfig())

	assert.NoError(t, err)
}
