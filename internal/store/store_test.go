package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/remap"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "host.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmptyProfile(t *testing.T) {
	s := openTemp(t)
	p, err := s.LoadProfile()
	require.NoError(t, err)
	assert.True(t, p.Empty())
}

func TestMappingsUpsertAndDelete(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.PutMapping(58, 1))
	require.NoError(t, s.PutMapping(30, 31))
	require.NoError(t, s.PutMapping(58, 29))

	p, err := s.LoadProfile()
	require.NoError(t, err)
	assert.Equal(t, []remap.Mapping{{From: 30, To: 31}, {From: 58, To: 29}}, p.Mappings)

	require.NoError(t, s.DeleteMapping(30))
	p, err = s.LoadProfile()
	require.NoError(t, err)
	assert.Equal(t, []remap.Mapping{{From: 58, To: 29}}, p.Mappings)

	require.NoError(t, s.ClearMappings())
	p, err = s.LoadProfile()
	require.NoError(t, err)
	assert.Empty(t, p.Mappings)
}

func TestCombosScancodesSettings(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.PutCombo(2, 59))
	require.NoError(t, s.PutCombo(3, 60))
	require.NoError(t, s.DeleteCombo(3))
	require.NoError(t, s.PutFnScancode(464))
	require.NoError(t, s.PutFnScancode(464))
	require.NoError(t, s.PutSetting(SettingFnMode, "map-to-media"))
	require.NoError(t, s.PutSetting(SettingFnMode, "map-to-fkeys"))

	p, err := s.LoadProfile()
	require.NoError(t, err)
	assert.Equal(t, []remap.Mapping{{From: 2, To: 59}}, p.Combos)
	assert.Equal(t, []keymap.KeyCode{464}, p.FnScancodes)
	assert.Equal(t, map[string]string{SettingFnMode: "map-to-fkeys"}, p.Settings)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutMapping(58, 1))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	p, err := s.LoadProfile()
	require.NoError(t, err)
	assert.Equal(t, []remap.Mapping{{From: 58, To: 1}}, p.Mappings)
}

func TestClosed(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.PutMapping(1, 2), ErrClosed)
	_, err := s.LoadProfile()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestProfileApply(t *testing.T) {
	p := Profile{
		Mappings:    []remap.Mapping{{From: 58, To: 1}},
		Combos:      []remap.Mapping{{From: 30, To: 113}},
		FnScancodes: []keymap.KeyCode{190},
		Settings: map[string]string{
			SettingFnMode:        "map-to-media",
			SettingUnknownPolicy: "block",
			SettingEnabled:       "true",
		},
	}
	r := remap.New(nil)
	require.NoError(t, p.Apply(r))

	assert.Equal(t, remap.FnMapToMedia, r.FnMode())
	assert.Equal(t, remap.Block, r.UnknownPolicy())
	assert.True(t, r.IsFnKey(190))
	assert.True(t, r.IsFnKey(464))
	assert.Equal(t, remap.Remapped{From: 58, To: 1}, r.Process(58, true))

	r.Process(190, true)
	assert.Equal(t, remap.FnCombo{Original: 30, Result: 113}, r.Process(30, true))
}

func TestProfileApplyKeepsCombosForSameMode(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.PutSetting(SettingFnMode, "capture-only"))

	r := remap.New(nil)
	r.ApplyPreset(remap.FnCaptureOnly)
	r.AddCombo(30, 113)

	p, err := s.LoadProfile()
	require.NoError(t, err)
	require.NoError(t, p.Apply(r))
	assert.Contains(t, r.Combos(), remap.Mapping{From: 30, To: 113})
	assert.Equal(t, remap.FnCaptureOnly, r.FnMode())
}

func TestProfileApplyRejectsBadSetting(t *testing.T) {
	p := Profile{Settings: map[string]string{SettingFnMode: "warp"}}
	assert.Error(t, p.Apply(remap.New(nil)))
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "keyboard-testkit"), filepath.Dir(p))
	assert.Equal(t, ".db", filepath.Ext(p))
}
