package subaru

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionStoreRoundtrip(t *testing.T) {
	cfg := newTestConfig(t)
	store := NewVersionStore(cfg)

	assert.Equal(t, "", store.Current())
	require.NoError(t, store.Set("6.11.9"))
	assert.Equal(t, "6.11.9", store.Current())
}

func TestDetectTreeVersionFromMakefile(t *testing.T) {
	dir := t.TempDir()
	makefile := "# SPDX-License-Identifier: GPL-2.0\nVERSION = 6\nPATCHLEVEL = 11\nSUBLEVEL = 9\nEXTRAVERSION =\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte(makefile), 0o644))

	ver, err := detectTreeVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, "6.11.9", ver)
}

func TestDetectTreeVersionFromVersionFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("2.39.1\n"), 0o644))

	ver, err := detectTreeVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, "2.39.1", ver)
}

func TestDetectTreeVersionMissingMetadata(t *testing.T) {
	_, err := detectTreeVersion(t.TempDir())
	assert.Error(t, err)
}

func TestMarkerStore(t *testing.T) {
	cfg := newTestConfig(t)
	markers := NewMarkerStore(cfg)

	assert.Equal(t, "", markers.BuiltVersion("kernel"))
	require.NoError(t, markers.Record("kernel", "6.11.9"))
	assert.Equal(t, "6.11.9", markers.BuiltVersion("kernel"))

	require.NoError(t, markers.Clear("kernel"))
	assert.Equal(t, "", markers.BuiltVersion("kernel"))
	// Clearing a missing marker is fine.
	require.NoError(t, markers.Clear("kernel"))
}

func TestStagesFromConfigDefaults(t *testing.T) {
	cfg := newTestConfig(t)
	delete(cfg.Values, "SUBARU_STAGES")

	stages, err := StagesFromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, stages, 6)
	assert.Equal(t, "toolchain", stages[0].Name)
	assert.Equal(t, "image", stages[5].Name)
	for i, st := range stages {
		assert.Equal(t, i+1, st.Order)
		assert.Equal(t, 100, st.CPUSharePercent)
		assert.Zero(t, st.MemoryLimitMB)
	}
}

func TestStagesFromConfigOverrides(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Values["SUBARU_STAGES"] = "kernel image"
	cfg.Values["STAGE_KERNEL_CPU"] = "50"
	cfg.Values["STAGE_KERNEL_MEM"] = "4096"

	stages, err := StagesFromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, 50, stages[0].CPUSharePercent)
	assert.Equal(t, 4096, stages[0].MemoryLimitMB)
	assert.Equal(t, 100, stages[1].CPUSharePercent)
}

func TestStagesFromConfigRejectsBadLimits(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Values["STAGE_KERNEL_CPU"] = "200"
	cfg.Values["SUBARU_STAGES"] = "kernel"

	_, err := StagesFromConfig(cfg)
	assert.Error(t, err)
}

func TestValidateStagesOrdering(t *testing.T) {
	err := validateStages([]Stage{
		{Name: "a", Order: 1},
		{Name: "b", Order: 3},
	})
	assert.Error(t, err)

	err = validateStages([]Stage{
		{Name: "a", Order: 1},
		{Name: "a", Order: 2},
	})
	assert.Error(t, err)

	assert.Error(t, validateStages(nil))
}

func TestFindStage(t *testing.T) {
	stages := []Stage{{Name: "a", Order: 1}, {Name: "b", Order: 2}}

	st, err := findStage(stages, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Order)

	_, err = findStage(stages, "zzz")
	assert.ErrorIs(t, err, ErrInvalidStage)
}
