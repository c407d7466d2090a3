package identity

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/testutil"
)

func TestIdentity_Owner(t *testing.T) {
	assert.Equal(t, records.LocalOwner, Anonymous.Owner())
	assert.False(t, Anonymous.Authenticated())

	id := Identity{UserID: "u1", Token: "tok"}
	assert.True(t, id.Authenticated())
	assert.Equal(t, "u1", id.Owner())
}

func TestStatic_NotifiesOnChangeOnly(t *testing.T) {
	p := NewStatic(Anonymous)

	var seen []Identity
	cancel := p.Watch(func(id Identity) { seen = append(seen, id) })

	p.Set(Identity{UserID: "u1"})
	p.Set(Identity{UserID: "u1"})
	p.Clear()

	require.Len(t, seen, 2)
	assert.Equal(t, "u1", seen[0].UserID)
	assert.Equal(t, Anonymous, seen[1])

	cancel()
	cancel()
	p.Set(Identity{UserID: "u2"})
	assert.Len(t, seen, 2, "cancelled watcher must not be called")
	assert.Equal(t, "u2", p.Current().UserID)
}

func TestFileProvider_MissingFileIsAnonymous(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "session.json"), testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	assert.Equal(t, Anonymous, p.Current())
}

func TestFileProvider_ReadsExistingSession(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "session.json", []byte(`{"user_id":"u1","access_token":"tok"}`))

	p, err := NewFileProvider(path, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", Token: "tok"}, p.Current())
}

func TestFileProvider_InvalidSession(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "session.json", []byte(`{not json`))

	_, err := NewFileProvider(path, testutil.NewTestLogger().Logger())
	assert.Error(t, err)
}

func TestFileProvider_FollowsSignInAndSignOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	p, err := NewFileProvider(path, testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Close() })

	var current atomic.Value
	current.Store(Anonymous)
	p.Watch(func(id Identity) { current.Store(id) })

	testutil.WriteFile(t, dir, "session.json", []byte(`{"user_id":"u1","access_token":"tok"}`))
	testutil.WaitFor(t, func() bool {
		return current.Load().(Identity).UserID == "u1"
	}, 2*time.Second, "sign-in not observed")
	assert.Equal(t, "u1", p.Current().UserID)

	// Unrelated files in the directory are ignored.
	testutil.WriteFile(t, dir, "other.json", []byte(`{}`))

	require.NoError(t, os.Remove(path))
	testutil.WaitFor(t, func() bool {
		return !current.Load().(Identity).Authenticated()
	}, 2*time.Second, "sign-out not observed")
	assert.False(t, p.Current().Authenticated())
}
