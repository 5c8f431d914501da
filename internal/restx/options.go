package restx

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/jacaudi/wunderground_like/internal/config"
)

// Unlimited is the default max_backlog: nothing is discarded.
const Unlimited = math.MaxInt

var validate = newValidator()

// newValidator reports fields by their configuration key.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Options configures an AmbientWorker. Field tags name the keys of the
// uploader's configuration section. Durations are in seconds.
type Options struct {
	Station      string  `mapstructure:"station" validate:"required"`
	Password     string  `mapstructure:"password" validate:"required"`
	ServerURL    string  `mapstructure:"server_url" validate:"required,url"`
	LogSuccess   bool    `mapstructure:"log_success"`
	LogFailure   bool    `mapstructure:"log_failure"`
	Timeout      float64 `mapstructure:"timeout" validate:"gt=0"`
	MaxTries     int     `mapstructure:"max_tries" validate:"gte=1"`
	RetryWait    float64 `mapstructure:"retry_wait" validate:"gte=0"`
	RetryLogin   float64 `mapstructure:"retry_login" validate:"gte=0"`
	MaxBacklog   int     `mapstructure:"max_backlog" validate:"gte=0"`
	Stale        float64 `mapstructure:"stale" validate:"gte=0"`
	PostInterval float64 `mapstructure:"post_interval" validate:"gte=0"`
	RTFreq       float64 `mapstructure:"rtfreq" validate:"gte=0"`
	SkipUpload   bool    `mapstructure:"skip_upload"`

	// Essentials lists observations that must be present for a post to go out.
	Essentials map[string]bool `mapstructure:"-"`
}

// DefaultOptions returns the defaults shared by every uploader.
func DefaultOptions() Options {
	return Options{
		LogSuccess: true,
		LogFailure: true,
		Timeout:    config.DefaultTimeout,
		MaxTries:   3,
		RetryWait:  5,
		RetryLogin: 3600,
		MaxBacklog: Unlimited,
	}
}

// Validate checks the options and names every offending key.
func (o Options) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	})
	return fmt.Errorf("invalid upload options: %s", strings.Join(msgs, "; "))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
