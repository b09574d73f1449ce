package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/types"
)

type testRecord struct {
	types.HostInfo
}

func (r *testRecord) Info() *types.HostInfo { return &r.HostInfo }

func testIndex() *Index[testRecord] {
	idx := &Index[testRecord]{}
	idx.Init()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, r := range []struct{ id, name string }{
		{"host-aaa111", "alpha"},
		{"host-aab222", "beta"},
		{"host-ccc333", "gamma"},
	} {
		idx.Hosts[r.id] = &testRecord{types.HostInfo{ID: r.id, Name: r.name, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}}
		idx.Names[r.name] = r.id
	}
	idx.Hosts["host-ccc333"].State = types.HostStateDestroyed
	return idx
}

func TestResolveRef(t *testing.T) {
	idx := testIndex()
	for ref, want := range map[string]string{
		"host-aaa111": "host-aaa111",
		"beta":        "host-aab222",
		"aaa":         "host-aaa111",
		"host-ccc":    "host-ccc333",
	} {
		got, err := idx.Resolve(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, want, got, ref)
	}

	_, err := idx.Resolve("aa")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = idx.Resolve("aab2x")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = idx.Resolve("host-aa")
	assert.ErrorContains(t, err, "ambiguous")
}

func TestInfos(t *testing.T) {
	idx := testIndex()
	infos := Infos(idx.Hosts, false)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "beta", infos[1].Name)
	assert.Len(t, Infos(idx.Hosts, true), 3)

	infos[0].Name = "changed"
	assert.Equal(t, "alpha", idx.Hosts["host-aaa111"].Name)
}

func TestForEach(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	fn := func(_ context.Context, ref string) error {
		if ref == "b" {
			return boom
		}
		return nil
	}

	ok, err := ForEach(ctx, []string{"a", "b", "c"}, "stop", false, fn)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, ok)

	ok, err = ForEach(ctx, []string{"a", "b", "c"}, "stop", true, fn)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "c"}, ok)
}

func TestTagHelpers(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2"}
	merged := MergeTags(base, map[string]string{"b": "3", "c": "4"})
	assert.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, merged)
	assert.Equal(t, "2", base["b"])

	assert.Equal(t, map[string]string{"b": "2"}, DropTags(base, []string{"a", "zz"}))
	assert.Len(t, base, 2)
	assert.Equal(t, map[string]string{"x": "y"}, MergeTags(nil, map[string]string{"x": "y"}))
}

func TestCapabilityAndOfflineErrors(t *testing.T) {
	err := Unsupported("local", CapSnapshots, "create snapshot")
	assert.ErrorIs(t, err, errdefs.ErrUnsupported)
	var ce *errdefs.CapabilityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CapSnapshots, ce.Capability)

	err = Offline(&types.HostInfo{Name: "dev", State: types.HostStateStopped})
	assert.ErrorIs(t, err, ErrHostOffline)
	assert.ErrorContains(t, err, "stopped")
}

func TestCertifyWithoutHost(t *testing.T) {
	snaps := []types.Snapshot{
		{ID: "s1", CreatedAt: time.Unix(1, 0)},
		{ID: "s2", CreatedAt: time.Unix(2, 0)},
	}
	cd := Certify(context.Background(), nil, map[string]string{"k": "v"}, snaps)
	assert.Equal(t, map[string]string{"k": "v"}, cd.Tags)
	require.Len(t, cd.Snapshots, 2)
	assert.Equal(t, "s2", cd.Snapshots[0].ID)
	assert.Empty(t, cd.Agents)
}

func TestValidateHostName(t *testing.T) {
	assert.NoError(t, ValidateHostName("dev-1"))
	for _, bad := range []string{"", "a/b", "a.b", "-x", "a b"} {
		assert.Error(t, ValidateHostName(bad), bad)
	}
}
