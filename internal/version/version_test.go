package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	i := Info{Version: "v1.2.0", GitSHA: "0123456789abcdef", BuildTime: "2026-01-02T03:04:05Z"}
	assert.Equal(t, "v1.2.0 (0123456, built 2026-01-02T03:04:05Z)", i.String())

	assert.Equal(t, "dev (unknown, built unknown)", Get().String())
}
