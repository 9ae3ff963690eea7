package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	require.NoError(t, os.MkdirAll(safeDir, 0o755))
	require.NoError(t, os.MkdirAll(unsafeDir, 0o755))
	symlink := filepath.Join(safeDir, "evil-symlink")
	require.NoError(t, os.Symlink(unsafeDir, symlink))

	tests := []struct {
		name    string
		path    string
		dir     string
		wantErr bool
	}{
		{"file in dir", filepath.Join(tmpDir, "report.png"), tmpDir, false},
		{"new nested file", filepath.Join(tmpDir, "a", "b", "report.png"), tmpDir, false},
		{"dot dot escape", filepath.Join(tmpDir, "..", "report.png"), tmpDir, true},
		{"relative escape", "../../../etc/passwd", tmpDir, true},
		{"absolute outside", "/etc/passwd", tmpDir, true},
		{"through symlink", filepath.Join(symlink, "report.png"), safeDir, true},
		{"symlink itself", symlink, safeDir, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, tt.dir)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPathEscapes)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOutputPath(t *testing.T) {
	assert.NoError(t, ValidateOutputPath(filepath.Join(os.TempDir(), "fleet.png")))
	assert.NoError(t, ValidateOutputPath("fleet.png"))
	assert.ErrorIs(t, ValidateOutputPath("/etc/fleet.png"), ErrPathEscapes)
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                       "unknown",
		"scenario-c":             "scenario-c",
		"bench run #3":           "bench_run_3",
		"../../etc/passwd":       "etc_passwd",
		"...":                    "unknown",
		"drift test: anchor→one": "drift_test_anchor_one",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}
