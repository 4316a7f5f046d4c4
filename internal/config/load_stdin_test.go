package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSingleStdinFileSource(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
		wantKeys []string
	}{
		{
			name: "files only",
			settings: map[string]string{
				"database.dsn_file":         "/run/secrets/dsn",
				"cache.redis.password_file": "/run/secrets/redis",
			},
		},
		{
			name: "single stdin source",
			settings: map[string]string{
				"database.password_file":    "@-",
				"cache.redis.password_file": "/run/secrets/redis",
			},
		},
		{
			name: "database and redis both on stdin",
			settings: map[string]string{
				"database.mycnf_file":       " @- ",
				"cache.redis.password_file": "@-",
			},
			wantKeys: []string{"database.mycnf_file", "cache.redis.password_file"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for key, value := range tt.settings {
				v.Set(key, value)
			}

			err := validateSingleStdinFileSource(v)
			if len(tt.wantKeys) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, key := range tt.wantKeys {
				assert.Contains(t, err.Error(), key)
			}
		})
	}
}
