package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistry(t *testing.T, entries []map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func nativeEntry(id string) map[string]any {
	return map[string]any{
		"id":         id,
		"name":       "Test Cap",
		"cost":       "$0.01",
		"endpoint":   "https://backend.internal/x",
		"method":     "GET",
		"outputType": "json",
	}
}

func TestLoad_ValidRegistryLoads(t *testing.T) {
	path := writeRegistry(t, []map[string]any{nativeEntry("cap-a")})
	reg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reg.List(), 1)
}

func TestLoad_DuplicateIDRejected(t *testing.T) {
	path := writeRegistry(t, []map[string]any{nativeEntry("dup"), nativeEntry("dup")})
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ReservedDiscoveredPrefixRejected(t *testing.T) {
	path := writeRegistry(t, []map[string]any{nativeEntry("discovered:fake")})
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingEndpointRejected(t *testing.T) {
	entry := nativeEntry("no-endpoint")
	delete(entry, "endpoint")
	path := writeRegistry(t, []map[string]any{entry})
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_UnknownMethodRejected(t *testing.T) {
	entry := nativeEntry("bad-method")
	entry["method"] = "PATCH"
	path := writeRegistry(t, []map[string]any{entry})
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_PartnerWithoutProviderRejected(t *testing.T) {
	entry := nativeEntry("partner-no-provider")
	entry["tier"] = "partner"
	path := writeRegistry(t, []map[string]any{entry})
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_PartnerSplitMustSumToOne(t *testing.T) {
	entry := nativeEntry("partner-bad-split")
	entry["tier"] = "partner"
	entry["provider"] = map[string]any{"name": "Acme", "payoutAddress": "0xAcme"}
	entry["splitProvider"] = 0.5
	entry["splitGateway"] = 0.2
	path := writeRegistry(t, []map[string]any{entry})
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ValidPartnerWithCorrectSplit(t *testing.T) {
	entry := nativeEntry("partner-ok")
	entry["tier"] = "partner"
	entry["provider"] = map[string]any{"name": "Acme", "payoutAddress": "0xAcme"}
	entry["splitProvider"] = 0.7
	entry["splitGateway"] = 0.3
	path := writeRegistry(t, []map[string]any{entry})
	reg, err := Load(path)
	require.NoError(t, err)
	c, ok := reg.ByID("partner-ok")
	require.True(t, ok)
	assert.Equal(t, "Acme", c.Provider.Name)
}

func TestByID_NotFoundReturnsFalse(t *testing.T) {
	path := writeRegistry(t, []map[string]any{nativeEntry("only-one")})
	reg, err := Load(path)
	require.NoError(t, err)
	_, ok := reg.ByID("missing")
	assert.False(t, ok)
}

func TestReload_PicksUpFileChanges(t *testing.T) {
	path := writeRegistry(t, []map[string]any{nativeEntry("cap-a")})
	reg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reg.List(), 1)

	data, err := json.Marshal([]map[string]any{nativeEntry("cap-a"), nativeEntry("cap-b")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, reg.Reload())
	assert.Len(t, reg.List(), 2)
}

func TestKeywords_AreLowercased(t *testing.T) {
	entry := nativeEntry("kw-cap")
	entry["keywords"] = []string{"Screenshot", "CAPTURE"}
	path := writeRegistry(t, []map[string]any{entry})
	reg, err := Load(path)
	require.NoError(t, err)
	c, ok := reg.ByID("kw-cap")
	require.True(t, ok)
	assert.Equal(t, []string{"screenshot", "capture"}, c.Keywords)
}
