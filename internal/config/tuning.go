package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Tuning holds saga knobs operators may change without a restart.
type Tuning struct {
	StuckSLA           time.Duration `mapstructure:"stuckSLA"`
	ConflictRetries    int           `mapstructure:"conflictRetries"`
	StrictUnknownTypes bool          `mapstructure:"strictUnknownTypes"`
	MaxSelfAttempts    int           `mapstructure:"maxSelfAttempts"`
}

func DefaultTuning(cfg Config) Tuning {
	return Tuning{
		StuckSLA:           cfg.Saga.StuckSLA,
		ConflictRetries:    cfg.Saga.ConflictRetries,
		StrictUnknownTypes: cfg.Saga.StrictUnknownTypes,
		MaxSelfAttempts:    3,
	}
}

type TuningHolder struct {
	current atomic.Value // holds Tuning
}

// NewStaticTuning returns a holder that never reloads.
func NewStaticTuning(t Tuning) *TuningHolder {
	holder := &TuningHolder{}
	holder.current.Store(t)
	return holder
}

func NewTuningHolder(cfg Config) (*TuningHolder, error) {
	defaults := DefaultTuning(cfg)
	v := viper.New()

	if cfg.Saga.TuningFile != "" {
		v.SetConfigFile(cfg.Saga.TuningFile)
	} else {
		v.SetConfigName("saga")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tripsaga")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TRIPSAGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("saga.stuckSLA", defaults.StuckSLA.String())
	v.SetDefault("saga.conflictRetries", defaults.ConflictRetries)
	v.SetDefault("saga.strictUnknownTypes", defaults.StrictUnknownTypes)
	v.SetDefault("saga.maxSelfAttempts", defaults.MaxSelfAttempts)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var tuning Tuning
	if err := v.UnmarshalKey("saga", &tuning); err != nil {
		return nil, err
	}
	if err := validateTuning(tuning); err != nil {
		return nil, err
	}

	holder := NewStaticTuning(tuning)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Tuning
		if err := v.UnmarshalKey("saga", &updated); err != nil {
			log.Printf("[saga-tuning] reload failed: %v", err)
			return
		}
		if err := validateTuning(updated); err != nil {
			log.Printf("[saga-tuning] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[saga-tuning] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *TuningHolder) Get() Tuning {
	return h.current.Load().(Tuning)
}

func validateTuning(t Tuning) error {
	if t.StuckSLA <= 0 {
		return errors.New("saga.stuckSLA must be positive")
	}
	if t.ConflictRetries <= 0 {
		return errors.New("saga.conflictRetries must be positive")
	}
	if t.MaxSelfAttempts <= 0 {
		return errors.New("saga.maxSelfAttempts must be positive")
	}
	return nil
}
