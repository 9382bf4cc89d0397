// Package netconfig loads and validates a pool.Config, using viper for file
// and pflag-override loading and go-playground/validator for translated
// error messages.
package netconfig

import (
	"flag"
	"fmt"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_trans "github.com/go-playground/validator/v10/translations/en"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-fit/netpool/pool"
)

// File is the on-disk shape of pool.Config, mirroring its tunable field
// names so a YAML/TOML/JSON config file maps onto it directly via viper's
// struct unmarshal.
type File struct {
	MaxSockets               int           `mapstructure:"max_sockets" validate:"required,gt=0"`
	MaxSocketsPerGroup       int           `mapstructure:"max_sockets_per_group" validate:"required,gt=0,ltefield=MaxSockets"`
	UnusedIdleSocketTimeout  time.Duration `mapstructure:"unused_idle_socket_timeout" validate:"gte=0"`
	UsedIdleSocketTimeout    time.Duration `mapstructure:"used_idle_socket_timeout" validate:"gte=0"`
	ConnectBackupJobsEnabled bool          `mapstructure:"connect_backup_jobs_enabled"`
	BackupJobTimeout         time.Duration `mapstructure:"connect_retry_interval" validate:"gte=0"`
	CleanupOnIPAddressChange bool          `mapstructure:"cleanup_on_ip_address_change"`
}

// ToPoolConfig converts a validated File into a pool.Config.
func (f File) ToPoolConfig() pool.Config {
	return pool.Config{
		MaxSockets:               f.MaxSockets,
		MaxSocketsPerGroup:       f.MaxSocketsPerGroup,
		UnusedIdleSocketTimeout:  f.UnusedIdleSocketTimeout,
		UsedIdleSocketTimeout:    f.UsedIdleSocketTimeout,
		ConnectBackupJobsEnabled: f.ConnectBackupJobsEnabled,
		BackupJobTimeout:         f.BackupJobTimeout,
		CleanupOnIPAddressChange: f.CleanupOnIPAddressChange,
	}
}

var validate *validator.Validate
var trans ut.Translator

func init() {
	validate = validator.New()
	enTrans := en.New()
	uni := ut.New(enTrans, enTrans)
	trans, _ = uni.GetTranslator("en")
	_ = en_trans.RegisterDefaultTranslations(validate, trans)
}

// Validate rejects a File whose tunables would let a Pool misbehave
// silently (a zero or negative MaxSockets/MaxSocketsPerGroup, a per-group
// cap above the global one), translating the first failing rule into a
// readable message from validator.ValidationErrors.
func Validate(f File) error {
	if err := validate.Struct(f); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok || len(errs) == 0 {
			return err
		}
		return fmt.Errorf("netconfig: %s", errs[0].Translate(trans))
	}
	return nil
}

// Load reads a pool.Config from file using viper, optionally layering
// command-line flag overrides via pflag + the stdlib flag set, then
// validates the result.
func Load(file string, useFlagOverrides bool) (pool.Config, error) {
	var f File

	if useFlagOverrides {
		pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
		pflag.Parse()
		if err := viper.BindPFlags(pflag.CommandLine); err != nil {
			return pool.Config{}, err
		}
	}

	viper.SetConfigFile(file)
	if err := viper.ReadInConfig(); err != nil {
		return pool.Config{}, err
	}
	if err := viper.Unmarshal(&f); err != nil {
		return pool.Config{}, err
	}
	if err := Validate(f); err != nil {
		return pool.Config{}, err
	}
	return f.ToPoolConfig(), nil
}

// FromDefaults returns pool.DefaultConfig unchanged (it does not run
// Validate), for callers that don't need a config file (e.g. tests).
func FromDefaults() pool.Config {
	return pool.DefaultConfig()
}
