package cli

import (
	"bytes"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBuildInfo_PrefersLinkerValues(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = oldVersion, oldCommit, oldDate })
	Version, Commit, BuildDate = "v1.4.0", "abc123", "2026-01-02"

	info := ReadBuildInfo()
	assert.Equal(t, "v1.4.0", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.Equal(t, "2026-01-02", info.BuildDate)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestVersionCommand(t *testing.T) {
	t.Cleanup(func() { versionJSON = false })

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	assert.Contains(t, out.String(), "settle ")
	assert.Contains(t, out.String(), "platform: "+runtime.GOOS)

	out.Reset()
	versionJSON = true
	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	var info BuildInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.NotEmpty(t, info.Version)
}

func TestVersionCommand_SkipsAppWiring(t *testing.T) {
	assert.Equal(t, "true", versionCmd.Annotations[skipAppAnnotation])
	assert.Equal(t, Version, rootCmd.Version)
}
