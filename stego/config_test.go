package stego

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigValidation(t *testing.T) {
	for _, test := range []struct {
		name      string
		overrides map[string]any
		wantInMsg string
	}{
		{"beta above 1", map[string]any{ParamBeta: 1.5}, ParamBeta},
		{"beta below 0", map[string]any{ParamBeta: -0.1}, ParamBeta},
		{"unknown scheme", map[string]any{ParamScheme: "lsb"}, ParamScheme},
		{"unknown loss", map[string]any{losses.ParamLoss: "l0"}, "l0"},
		{"unknown normalization", map[string]any{ParamNormalization: "group"}, ParamNormalization},
		{"zero secrets", map[string]any{ParamNumSecrets: 0}, ParamNumSecrets},
		{"zero covers", map[string]any{ParamNumCovers: 0}, ParamNumCovers},
		{"zero image size", map[string]any{ParamImageSize: 0}, ParamImageSize},
		{"zero batch size", map[string]any{ParamBatchSize: 0}, ParamBatchSize},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctx := smallTestContext(test.overrides)
			_, err := NewConfig(nil, ctx, "")
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), test.wantInMsg)
		})
	}
}

func TestNewConfigDefaults(t *testing.T) {
	ctx := smallTestContext(nil)
	cfg, err := NewConfig(nil, ctx, "/tmp/images")
	require.NoError(t, err)

	assert.Equal(t, SchemeUDH, cfg.Scheme)
	assert.Equal(t, "/tmp/images", cfg.DataDir)
	assert.Equal(t, cfg.BatchSize, cfg.EvalBatchSize)

	// A fresh run gets a tag derived from the scheme, and the tag is stored
	// back as a hyperparameter so checkpoints preserve it.
	require.True(t, strings.HasPrefix(cfg.RunTag, "udh-"), "run tag %q", cfg.RunTag)
	cfg2, err := NewConfig(nil, ctx, "")
	require.NoError(t, err)
	assert.Equal(t, cfg.RunTag, cfg2.RunTag)
}

func TestNewConfigSchemeIsCaseInsensitive(t *testing.T) {
	ctx := smallTestContext(map[string]any{ParamScheme: "DDH"})
	cfg, err := NewConfig(nil, ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SchemeDDH, cfg.Scheme)
}

func TestBundleAndRowHelpers(t *testing.T) {
	ctx := smallTestContext(map[string]any{
		ParamNumSecrets:     3,
		ParamNumCovers:      2,
		ParamChannelsSecret: 1,
	})
	cfg, err := NewConfig(nil, ctx, "")
	require.NoError(t, err)

	assert.Equal(t, 2*3, cfg.CoverBundleChannels())
	assert.Equal(t, 3*1, cfg.SecretBundleChannels())
	assert.Equal(t, 10*2, cfg.CoverRows(10))
	assert.Equal(t, 10*3, cfg.SecretRows(10))
}

func TestCapacityName(t *testing.T) {
	assert.Equal(t, "1s1c", CapacityName(1, 1))
	assert.Equal(t, "3s2c", CapacityName(3, 2))
}
