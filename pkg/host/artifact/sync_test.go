package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spire/pkg/host/objstore"
	"spire/pkg/host/remote"
	"spire/pkg/host/remote/remotetest"
	"spire/pkg/shared/logger"
	"spire/pkg/shared/model"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    map[string]bool
	uploads []string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, fail: map[string]bool{}}
}

func (m *memStore) Upload(_ context.Context, key string, r io.Reader, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, key)
	if m.fail[key] {
		return errors.New("storage unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) Download(_ context.Context, key string, w io.Writer) error {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return objstore.ErrNotFound
	}
	_, err := w.Write(data)
	return err
}

type records map[string]model.TerminationRecord

func (r records) LatestTermination(_ context.Context, userID string) (model.TerminationRecord, bool, error) {
	rec, ok := r[userID]
	return rec, ok, nil
}

func errorLines(buf *bytes.Buffer) int {
	return strings.Count(buf.String(), `"level":"ERROR"`)
}

var target = remote.Target{InstanceID: "i-new", User: "ubuntu", Host: "10.0.0.7"}

func newSyncer(t *testing.T, store objstore.Store, recs records, dialer remote.Dialer) (*Syncer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	root := t.TempDir()
	s := New(store, recs, dialer, Config{
		RestoreDir:  filepath.Join(root, "tmp-downloads"),
		DownloadDir: filepath.Join(root, "downloaded-sessions"),
	}, logger.New(&buf), nil)
	return s, &buf
}

func TestBackupPartialSuccess(t *testing.T) {
	store := newMemStore()
	store.fail["u1/s1/b.ipynb"] = true
	s, logs := newSyncer(t, store, nil, nil)

	folder := t.TempDir()
	for _, name := range []string{"a.ipynb", "b.ipynb", "c.ipynb", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(folder, name), []byte(name), 0o644))
	}

	res, err := s.Backup(context.Background(), "s1", "u1", folder)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ipynb", "c.ipynb"}, res.Uploaded)
	assert.Equal(t, []string{"b.ipynb"}, res.Failed)
	assert.Equal(t, 1, errorLines(logs))

	assert.Equal(t, []string{"u1/s1/a.ipynb", "u1/s1/b.ipynb", "u1/s1/c.ipynb"}, store.uploads)
	assert.Equal(t, []byte("c.ipynb"), store.objects["u1/s1/c.ipynb"])
}

func TestBackupMissingFolderUploadsNothing(t *testing.T) {
	store := newMemStore()
	s, _ := newSyncer(t, store, nil, nil)

	res, err := s.Backup(context.Background(), "s1", "u1", filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, res.Uploaded)
	assert.Empty(t, store.uploads)
}

func TestRestoreWithoutPreviousSession(t *testing.T) {
	dialer := remotetest.NewDialer()
	host := dialer.Add(target.Host, remotetest.NewHost())
	s, _ := newSyncer(t, newMemStore(), records{}, dialer)

	res, err := s.Restore(context.Background(), target, "u1")
	require.NoError(t, err)
	assert.False(t, res.Performed())
	assert.Empty(t, dialer.Targets())
	assert.Zero(t, host.Dials())
}

func TestRestoreWithEmptyStorage(t *testing.T) {
	dialer := remotetest.NewDialer()
	dialer.Add(target.Host, remotetest.NewHost())
	recs := records{"u1": {InstanceID: "i-old", UserID: "u1", SessionID: "s-old"}}
	s, _ := newSyncer(t, newMemStore(), recs, dialer)

	res, err := s.Restore(context.Background(), target, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s-old", res.SessionID)
	assert.False(t, res.Performed())
	assert.Empty(t, dialer.Targets())
}

func TestRestorePushesPreviousArtifacts(t *testing.T) {
	store := newMemStore()
	store.objects["u1/s-old/a.ipynb"] = []byte(`{"cells":[]}`)
	store.objects["u1/s-old/b.ipynb"] = []byte(`{"cells":[1]}`)
	store.objects["u1/s-other/x.ipynb"] = []byte(`{}`)

	dialer := remotetest.NewDialer()
	host := dialer.Add(target.Host, remotetest.NewHost())
	recs := records{"u1": {InstanceID: "i-old", UserID: "u1", SessionID: "s-old"}}
	s, _ := newSyncer(t, store, recs, dialer)

	res, err := s.Restore(context.Background(), target, "u1")
	require.NoError(t, err)
	assert.True(t, res.Performed())
	assert.Equal(t, []string{"a.ipynb", "b.ipynb"}, res.Files)

	data, mode, ok := host.File("notebooks/b.ipynb")
	require.True(t, ok)
	assert.Equal(t, `{"cells":[1]}`, string(data))
	assert.Equal(t, os.FileMode(0o644), mode)
	_, _, ok = host.File("notebooks/x.ipynb")
	assert.False(t, ok)
}

func TestCollectCopiesArtifacts(t *testing.T) {
	dialer := remotetest.NewDialer()
	host := dialer.Add(target.Host, remotetest.NewHost())
	host.PutFile("notebooks/a.ipynb", []byte("A"))
	host.PutFile("notebooks/b.ipynb", []byte("B"))
	host.PutFile("notebooks/c.ipynb", []byte("C"))
	host.PutFile("notebooks/log.txt", []byte("ignored"))
	host.FailDownload["notebooks/b.ipynb"] = true

	s, logs := newSyncer(t, newMemStore(), nil, dialer)

	folder, n, err := s.Collect(context.Background(), target, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, errorLines(logs))

	entries, err := os.ReadDir(folder)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a.ipynb", "c.ipynb"}, names)

	got, err := os.ReadFile(filepath.Join(folder, "c.ipynb"))
	require.NoError(t, err)
	assert.Equal(t, "C", string(got))
}

func TestCollectThenBackup(t *testing.T) {
	dialer := remotetest.NewDialer()
	host := dialer.Add(target.Host, remotetest.NewHost())
	for i := 1; i <= 3; i++ {
		host.PutFile(fmt.Sprintf("notebooks/n%d.ipynb", i), []byte{byte('0' + i)})
	}
	store := newMemStore()
	s, _ := newSyncer(t, store, nil, dialer)

	folder, _, err := s.Collect(context.Background(), target, "s9")
	require.NoError(t, err)
	res, err := s.Backup(context.Background(), "s9", "u9", folder)
	require.NoError(t, err)
	assert.Len(t, res.Uploaded, 3)

	keys, err := store.List(context.Background(), objstore.SessionPrefix("u9", "s9"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u9/s9/n1.ipynb", "u9/s9/n2.ipynb", "u9/s9/n3.ipynb"}, keys)
}
