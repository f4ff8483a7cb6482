package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("sb-url", "", "")
	fs.String("database", DefaultDatabase, "")
	fs.String("format", DefaultFormat, "")
	fs.String("langcode", "", "")
	fs.Int("delay", DefaultDelay, "")
	fs.Bool("silence", false, "")
	return fs
}

// inTempDir keeps a stray .env in the package directory out of the tests.
func inTempDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)
	cfg, err := Load(testFlags(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabase, cfg.LocalDatabase)
	assert.Equal(t, DefaultLemmyInstance, cfg.LemmyInstance)
	assert.Equal(t, DefaultLemmyCommunity, cfg.LemmyCommunity)
	assert.Equal(t, 90*time.Minute, cfg.PostDelay())
	assert.Equal(t, FormatTxt, cfg.Format)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadPrecedence(t *testing.T) {
	inTempDir(t)
	t.Setenv("APC_SUPABASE_URL", "https://env.supabase.co")
	t.Setenv("APC_DELAY", "60")
	t.Setenv("APC_LEMMY_USER", "env-user")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--sb-url", "https://flag.supabase.co"}))

	cfg, err := Load(fs, "")
	require.NoError(t, err)
	assert.Equal(t, "https://flag.supabase.co", cfg.SupabaseURL)
	assert.Equal(t, 60, cfg.Delay)
	assert.Equal(t, "env-user", cfg.LemmyUser)
}

func TestLoadConfigFileAndDotEnv(t *testing.T) {
	inTempDir(t)
	require.NoError(t, os.WriteFile(".env", []byte("APC_LEMMY_COMMUNITY=dotenv@lemmy.example\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("APC_LEMMY_COMMUNITY") })
	file := filepath.Join(t.TempDir(), "otdposter.yaml")
	require.NoError(t, os.WriteFile(file, []byte("lemmy_instance: https://file.example\ndelay: 10\n"), 0o600))

	cfg, err := Load(testFlags(), file)
	require.NoError(t, err)
	assert.Equal(t, "https://file.example", cfg.LemmyInstance)
	assert.Equal(t, 10, cfg.Delay)
	assert.Equal(t, "dotenv@lemmy.example", cfg.LemmyCommunity)
}

func TestLoadRejectsBadValues(t *testing.T) {
	inTempDir(t)
	for name, args := range map[string][]string{
		"url":      {"--sb-url", "ftp://example.org"},
		"format":   {"--format", "xml"},
		"langcode": {"--langcode", "klingonese"},
		"delay":    {"--delay", "-1"},
	} {
		t.Run(name, func(t *testing.T) {
			fs := testFlags()
			require.NoError(t, fs.Parse(args))
			_, err := Load(fs, "")
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "%v", err)
			assert.Len(t, verr.Messages, 1)
		})
	}
}

func TestLoadNormalizes(t *testing.T) {
	inTempDir(t)
	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--format", "JSON", "--langcode", "ES", "--silence"}))
	cfg, err := Load(fs, "")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, "es", cfg.Langcode)
	assert.Equal(t, zerolog.WarnLevel, cfg.Level())
	assert.Equal(t, "es", cfg.EventOptions().ForceLangcode)
}

func TestRequire(t *testing.T) {
	var cfg Config
	err := cfg.RequireSupabase()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Messages, 2)

	cfg.SupabaseURL, cfg.SupabaseKey = "https://x.supabase.co", "key"
	assert.NoError(t, cfg.RequireSupabase())

	cfg.LemmyUser, cfg.LemmyPassword = "bot", "pw"
	require.Error(t, cfg.RequireLemmy())
	cfg.LemmyCommunity = "c@lemmy.example"
	assert.NoError(t, cfg.RequireLemmy())
}

func TestIsWebURL(t *testing.T) {
	assert.True(t, isWebURL("https://example.org/events/"))
	assert.True(t, isWebURL("file:///srv/images/"))
	assert.False(t, isWebURL("https://"))
	assert.False(t, isWebURL("example.org"))
}

func TestCustomValidationsRegistered(t *testing.T) {
	assert.NotPanics(t, func() { newValidator() })
	assert.NoError(t, validate.Var("https://example.org/", "weburl"))
	assert.Error(t, validate.Var("example.org", "weburl"))
	assert.NoError(t, validate.Var("es", "iso639"))
	assert.Error(t, validate.Var("klingonese", "iso639"))

	v := newValidator()
	assert.Panics(t, func() { mustRegister(v, "", func(validator.FieldLevel) bool { return true }) })
}
