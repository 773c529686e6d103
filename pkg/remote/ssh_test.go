package remote

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFile collects uploaded bytes and fails its close with closeErr.
type memFile struct {
	mu       sync.Mutex
	data     []byte
	closeErr error
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	copy(f.data[off:], p)

	return len(p), nil
}

func (f *memFile) Close() error {
	return f.closeErr
}

type uploadHandler struct {
	file *memFile
}

func (h uploadHandler) Filewrite(*sftp.Request) (io.WriterAt, error) {
	return h.file, nil
}

func (h uploadHandler) Filecmd(*sftp.Request) error {
	return nil
}

func newSFTPExecutor(t *testing.T, file *memFile) *sshExecutor {
	t.Helper()

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	h := uploadHandler{file: file}
	srv := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite}, sftp.Handlers{FilePut: h, FileCmd: h})
	go func() { _ = srv.Serve() }()

	c, err := sftp.NewClientPipe(clientRead, clientWrite)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})

	return &sshExecutor{host: Host{User: "u", Hostname: "10.0.0.9"}, sftp: c}
}

func TestPut(t *testing.T) {
	local := filepath.Join(t.TempDir(), "fcauto")
	require.NoError(t, os.WriteFile(local, []byte("binary contents"), 0o755))

	tests := []struct {
		name     string
		closeErr error
	}{
		{name: "uploaded"},
		{name: "close fails", closeErr: errors.New("quota exceeded")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := &memFile{closeErr: tt.closeErr}
			e := newSFTPExecutor(t, file)

			err := e.Put(context.Background(), local, "fcauto")
			if tt.closeErr != nil {
				assert.ErrorIs(t, err, pkgerrors.ErrTransport)
				assert.ErrorContains(t, err, "close fcauto")

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "binary contents", string(file.data))
		})
	}
}
