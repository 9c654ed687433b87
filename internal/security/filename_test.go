package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"resnet18_None", "resnet18_None"},
		{"predictions_42_efficientnet-b0.png", "predictions_42_efficientnet-b0.png"},
		{"timm/regnet x 002", "timm_regnet_x_002"},
		{"../../etc/passwd", "etc_passwd"},
		{"..", "unknown"},
		{"", "unknown"},
		{"a//??b", "a_b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), tt.in)
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 500)), maxFilenameLen)
}
