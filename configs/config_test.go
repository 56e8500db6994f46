package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Base(t *testing.T) {
	cfg, err := Load(".", "")
	require.NoError(t, err)

	assert.Equal(t, ":9091", cfg.App.HTTPAddr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Bakong.CodeTTL)
	assert.Equal(t, "Phnom Penh", cfg.Bakong.MerchantCity)

	rate, err := cfg.TaxRate()
	require.NoError(t, err)
	assert.Equal(t, "0.1", rate.String())
}

func TestLoad_OverlayAndEnv(t *testing.T) {
	dir := t.TempDir()
	base, err := os.ReadFile("base.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), base, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prod.yaml"), []byte("pricing:\n  shipping_flat: \"4.50\"\n"), 0o644))

	t.Setenv("ASTROX_BAKONG__ACCESS_TOKEN", "tok")
	t.Setenv("ASTROX_APP__HTTP_ADDR", ":8080")

	cfg, err := Load(dir, "prod")
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Bakong.AccessToken)
	assert.Equal(t, ":8080", cfg.App.HTTPAddr)
	ship, err := cfg.ShippingFlat()
	require.NoError(t, err)
	assert.Equal(t, "4.50", ship.StringFixed(2))
}

func TestValidate(t *testing.T) {
	cfg, err := Load(".", "")
	require.NoError(t, err)

	bad := cfg
	bad.Storage.Driver = "postgres"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Pricing.TaxRate = "-1"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Storage.Driver = "mongo"
	assert.Error(t, bad.Validate())
}
