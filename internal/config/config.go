// Package config loads daemon settings from defaults, an optional YAML file,
// PINGD_* environment variables and command-line flags, in increasing order of
// precedence, and validates the result.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/pingd/internal/logger"
)

// EnvPrefix is prepended to every environment variable, e.g. PINGD_BATCH_SIZE.
const EnvPrefix = "PINGD"

// FileFlag names the flag pointing at the optional YAML config file.
const FileFlag = "config"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Etcd configures the optional discovery backend. Discovery is off when
// Endpoints is empty.
type Etcd struct {
	Endpoints   []string      `mapstructure:"endpoints" validate:"dive,required"`
	Prefix      string        `mapstructure:"prefix" validate:"required,startswith=/"`
	DialTimeout time.Duration `mapstructure:"dial-timeout" validate:"gt=0s"`
}

func (e Etcd) Enabled() bool {
	return len(e.Endpoints) > 0
}

// Coordinator holds the coordinator daemon settings.
type Coordinator struct {
	Listen           string        `mapstructure:"listen" validate:"required"`
	Inventory        string        `mapstructure:"inventory"`
	AuthTokenFile    string        `mapstructure:"auth-token-file"`
	CAFile           string        `mapstructure:"ca-file"`
	PingInterval     time.Duration `mapstructure:"ping-interval" validate:"gt=0s"`
	StaleAfter       time.Duration `mapstructure:"stale-after" validate:"gt=0s"`
	ProbeTimeout     time.Duration `mapstructure:"probe-timeout" validate:"gt=0s"`
	SyncTimeout      time.Duration `mapstructure:"sync-timeout" validate:"gt=0s"`
	SlowThreshold    time.Duration `mapstructure:"slow-threshold" validate:"gte=0s"`
	FailureThreshold int           `mapstructure:"failure-threshold" validate:"gte=1"`
	BatchSize        int           `mapstructure:"batch-size" validate:"gte=1"`
	ProbeConcurrency int           `mapstructure:"probe-concurrency" validate:"gte=1"`
	Etcd             Etcd          `mapstructure:"etcd"`
	Log              logger.Config `mapstructure:"log"`
}

func NewCoordinator() Coordinator {
	return Coordinator{
		Listen:           ":8080",
		PingInterval:     10 * time.Second,
		StaleAfter:       30 * time.Second,
		ProbeTimeout:     2 * time.Second,
		SyncTimeout:      5 * time.Second,
		SlowThreshold:    time.Second,
		FailureThreshold: 3,
		BatchSize:        64,
		ProbeConcurrency: 16,
		Etcd:             defaultEtcd(),
		Log:              logger.DefaultConfig(),
	}
}

// Node holds the node agent settings.
type Node struct {
	ID              string        `mapstructure:"id" validate:"required"`
	Listen          string        `mapstructure:"listen" validate:"required"`
	Addr            string        `mapstructure:"addr" validate:"required,url"`
	Coordinator     string        `mapstructure:"coordinator" validate:"required,url"`
	AuthTokenFile   string        `mapstructure:"auth-token-file"`
	RegisterTimeout time.Duration `mapstructure:"register-timeout" validate:"gt=0s"`
	LeaseTTL        time.Duration `mapstructure:"lease-ttl" validate:"gte=1s"`
	Etcd            Etcd          `mapstructure:"etcd"`
	Log             logger.Config `mapstructure:"log"`
}

func NewNode() Node {
	return Node{
		Listen:          ":8081",
		Addr:            "http://127.0.0.1:8081",
		Coordinator:     "http://127.0.0.1:8080",
		RegisterTimeout: time.Minute,
		LeaseTTL:        10 * time.Second,
		Etcd:            defaultEtcd(),
		Log:             logger.DefaultConfig(),
	}
}

func defaultEtcd() Etcd {
	return Etcd{Prefix: "/pingd", DialTimeout: 5 * time.Second}
}

// Validate checks the struct tags of a loaded config.
func Validate(cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load fills out from flags, environment and the config file, then validates
// it. out must be a pointer to a Coordinator or Node already holding defaults.
func Load(flags *pflag.FlagSet, out any) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == FileFlag || f.Name == "help" {
			return
		}
		if err := v.BindPFlag(Key(f.Name), f); err != nil {
			bindErr = errors.Join(bindErr, err)
		}
	})
	if bindErr != nil {
		return fmt.Errorf("binding flags: %w", bindErr)
	}

	if path, _ := flags.GetString(FileFlag); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decoding configuration: %w", err)
	}
	return Validate(out)
}

// Key maps a flag name to its configuration key: "etcd-prefix" becomes
// "etcd.prefix", "log-level" becomes "log.level".
func Key(flag string) string {
	for _, group := range []string{"etcd-", "log-"} {
		if strings.HasPrefix(flag, group) {
			return strings.TrimSuffix(group, "-") + "." + strings.TrimPrefix(flag, group)
		}
	}
	return flag
}
