package op

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		opt        []Option
		wantPrefix string
	}{
		{
			name: "no-prefix",
		},
		{
			name:       "with-prefix",
			opt:        []Option{WithPrefix("sess")},
			wantPrefix: "sess_",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewID(tt.opt...)
			require.NoError(err)
			if tt.wantPrefix != "" {
				assert.True(strings.HasPrefix(got, tt.wantPrefix), "NewID() = %v and wanted prefix %s", got, tt.wantPrefix)
			}
			again, err := NewID(tt.opt...)
			require.NoError(err)
			assert.NotEqual(got, again)
		})
	}
}

func TestNewOpaque(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	got, err := NewOpaque(WithPrefix("at"))
	require.NoError(err)
	assert.True(strings.HasPrefix(got, "at_"))
	// 32 bytes of entropy, base64url encoded without padding.
	assert.Len(got, len("at_")+43)
}
