package procguard

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestConfigWithDefaults(t *testing.T) {
	c := Config{}.WithDefaults()
	assert.Equal(t, c.PackageDBDir, "/data/system")
	assert.Equal(t, c.PackageDBFile, "packages.xml")
	assert.Equal(t, c.InspectPollCap, 300000)
	assert.Check(t, c.MaxInFlightInspections > 0)
	assert.Check(t, c.isSpawnerName("zygote"))
	assert.Check(t, c.isSpawnerName("zygote64"))
	assert.Check(t, !c.isSpawnerName("com.example.app"))
	assert.Check(t, c.isPrewarmedHelper("usap32"))
	assert.Check(t, !c.isPrewarmedHelper("zygote"))
}

func TestConfigWithDefaultsPreservesOverrides(t *testing.T) {
	c := Config{PackageDBDir: "/custom"}.WithDefaults()
	assert.Equal(t, c.PackageDBDir, "/custom")
	assert.Equal(t, c.PackageDBFile, "packages.xml")
}

func TestDiscoveryComplete(t *testing.T) {
	assert.Check(t, !discoveryComplete(0))
	assert.Check(t, discoveryComplete(expectedSpawners()))
	assert.Check(t, discoveryComplete(expectedSpawners() + 1))
}
