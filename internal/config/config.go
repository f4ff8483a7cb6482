// Package config builds the runtime configuration of a command.
package config

import (
	"io/fs"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/bryan-buckman/otdposter/internal/model"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

// EnvPrefix prefixes every environment variable, e.g. APC_SUPABASE_URL.
const EnvPrefix = "APC"

// Configuration keys. Keys backed by an environment variable are named after
// it without the prefix.
const (
	KeySupabaseURL       = "supabase_url"
	KeySupabaseKey       = "supabase_key"
	KeyBaseEventURL      = "base_event_url"
	KeyBaseEventImgURL   = "base_event_img_url"
	KeyLocalDatabase     = "local_database"
	KeyLemmyInstance     = "lemmy_instance"
	KeyLemmyUser         = "lemmy_user"
	KeyLemmyPassword     = "lemmy_password"
	KeyLemmyCommunity    = "lemmy_community"
	KeyLangcode          = "langcode"
	KeyDelay             = "delay"
	KeyImageMaxDimension = "image_max_dimension"
	KeyFormat            = "format"
	KeySilence           = "silence"
	KeyLogLevel          = "log_level"
)

// Defaults.
const (
	DefaultDatabase       = "sqlite://otdposter.db"
	DefaultLemmyInstance  = "https://lemmy.world"
	DefaultLemmyCommunity = "workingclasscalendar@lemmy.world"
	DefaultDelay          = 5400
	DefaultFormat         = "txt"
)

// Output formats of the show commands.
const (
	FormatJSON = "json"
	FormatTxt  = "txt"
	FormatNone = "none"
)

// Config holds the configuration of one command invocation.
type Config struct {
	SupabaseURL       string `mapstructure:"supabase_url" flag:"sb-url" validate:"omitempty,weburl"`
	SupabaseKey       string `mapstructure:"supabase_key" flag:"sb-key"`
	BaseEventURL      string `mapstructure:"base_event_url" flag:"ev-url" validate:"omitempty,weburl"`
	BaseEventImgURL   string `mapstructure:"base_event_img_url" flag:"ev-img-url" validate:"omitempty,weburl"`
	LocalDatabase     string `mapstructure:"local_database" flag:"database" validate:"required"`
	LemmyInstance     string `mapstructure:"lemmy_instance" flag:"lm-instance" validate:"omitempty,weburl"`
	LemmyUser         string `mapstructure:"lemmy_user" flag:"lm-user"`
	LemmyPassword     string `mapstructure:"lemmy_password" flag:"lm-password"`
	LemmyCommunity    string `mapstructure:"lemmy_community" flag:"lm-community"`
	Langcode          string `mapstructure:"langcode" flag:"langcode" validate:"omitempty,iso639"`
	Delay             int    `mapstructure:"delay" flag:"delay" validate:"gte=0"`
	ImageMaxDimension int    `mapstructure:"image_max_dimension" flag:"image-max-dimension" validate:"gte=0"`
	Format            string `mapstructure:"format" flag:"format" validate:"oneof=json txt none"`
	Silence           bool   `mapstructure:"silence" flag:"silence"`
	LogLevel          string `mapstructure:"log_level" flag:"log-level" validate:"omitempty,oneof=debug info warn error"`
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"sb-url":              KeySupabaseURL,
	"sb-key":              KeySupabaseKey,
	"ev-url":              KeyBaseEventURL,
	"ev-img-url":          KeyBaseEventImgURL,
	"database":            KeyLocalDatabase,
	"lm-instance":         KeyLemmyInstance,
	"lm-user":             KeyLemmyUser,
	"lm-password":         KeyLemmyPassword,
	"lm-community":        KeyLemmyCommunity,
	"langcode":            KeyLangcode,
	"delay":               KeyDelay,
	"image-max-dimension": KeyImageMaxDimension,
	"format":              KeyFormat,
	"silence":             KeySilence,
	"log-level":           KeyLogLevel,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeySupabaseURL, "")
	v.SetDefault(KeySupabaseKey, "")
	v.SetDefault(KeyBaseEventURL, "")
	v.SetDefault(KeyBaseEventImgURL, "")
	v.SetDefault(KeyLocalDatabase, DefaultDatabase)
	v.SetDefault(KeyLemmyInstance, DefaultLemmyInstance)
	v.SetDefault(KeyLemmyUser, "")
	v.SetDefault(KeyLemmyPassword, "")
	v.SetDefault(KeyLemmyCommunity, DefaultLemmyCommunity)
	v.SetDefault(KeyLangcode, "")
	v.SetDefault(KeyDelay, DefaultDelay)
	v.SetDefault(KeyImageMaxDimension, 0)
	v.SetDefault(KeyFormat, DefaultFormat)
	v.SetDefault(KeySilence, false)
	v.SetDefault(KeyLogLevel, "")
}

// Load builds the configuration from defaults, the optional config file, a
// .env file in the working directory, the environment and flags, each
// overriding the previous one.
func Load(flags *pflag.FlagSet, cfgFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", cfgFile)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.Langcode != "" {
		cfg.Langcode = normalizeLangcode(cfg.Langcode)
	}
	return cfg, nil
}

// Validate checks every field of c.
func (c Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return &ValidationError{Messages: msgs}
}

// ValidationError lists the invalid settings.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

func describe(fe validator.FieldError) string {
	name := "--" + fe.Field()
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "weburl":
		return "invalid url " + quote(fe.Value()) + " for " + name
	case "iso639":
		return "unknown ISO 639 language code " + quote(fe.Value()) + " for " + name
	case "oneof":
		return "invalid value " + quote(fe.Value()) + " for " + name + ", expected one of: " + fe.Param()
	case "gte":
		return name + " must be at least " + fe.Param()
	}
	return "invalid value " + quote(fe.Value()) + " for " + name
}

// RequireSupabase checks the settings needed to read the remote backend.
func (c Config) RequireSupabase() error {
	var msgs []string
	if c.SupabaseURL == "" {
		msgs = append(msgs, "--sb-url is required to read from Supabase")
	}
	if strings.TrimSpace(c.SupabaseKey) == "" {
		msgs = append(msgs, "--sb-key is required to read from Supabase")
	}
	if msgs != nil {
		return &ValidationError{Messages: msgs}
	}
	return nil
}

// RequireLemmy checks the settings needed to publish.
func (c Config) RequireLemmy() error {
	var msgs []string
	if c.LemmyUser == "" {
		msgs = append(msgs, "--lm-user is required to post to Lemmy")
	}
	if c.LemmyPassword == "" {
		msgs = append(msgs, "--lm-password is required to post to Lemmy")
	}
	if c.LemmyCommunity == "" {
		msgs = append(msgs, "--lm-community is required to post to Lemmy")
	}
	if msgs != nil {
		return &ValidationError{Messages: msgs}
	}
	return nil
}

// EventOptions are the event build options carried by the configuration.
func (c Config) EventOptions() model.Options {
	return model.Options{
		BaseEventURL:    c.BaseEventURL,
		BaseEventImgURL: c.BaseEventImgURL,
		ForceLangcode:   c.Langcode,
	}
}

// PostDelay is the pause between two scheduled posts.
func (c Config) PostDelay() time.Duration {
	return time.Duration(c.Delay) * time.Second
}

// Level is the log level: --log-level when set, warn with --silence, info
// otherwise.
func (c Config) Level() zerolog.Level {
	if c.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(c.LogLevel); err == nil {
			return lvl
		}
	}
	if c.Silence {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("flag")
	})
	mustRegister(v, "weburl", func(fl validator.FieldLevel) bool {
		return isWebURL(fl.Field().String())
	})
	mustRegister(v, "iso639", func(fl validator.FieldLevel) bool {
		_, err := language.ParseBase(strings.ToLower(fl.Field().String()))
		return err == nil
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(errors.Wrapf(err, "register validation %q", tag))
	}
}

// isWebURL accepts file URLs and http(s) URLs with a host.
func isWebURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "file":
		return true
	case "http", "https":
		return u.Host != ""
	}
	return false
}

func normalizeLangcode(s string) string {
	base, err := language.ParseBase(strings.ToLower(s))
	if err != nil {
		return s
	}
	return base.String()
}

func quote(v any) string {
	s, _ := v.(string)
	return `"` + s + `"`
}
