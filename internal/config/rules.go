package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Rules are the business settings of a batch run. They are read from
// declara.yml and reloaded when the file changes.
type Rules struct {
	TargetDestination string        `mapstructure:"targetDestination"`
	Tag               string        `mapstructure:"tag"`
	FieldNamespace    string        `mapstructure:"fieldNamespace"`
	FieldKey          string        `mapstructure:"fieldKey"`
	MaxValue          float64       `mapstructure:"maxValue"`
	ItemMin           float64       `mapstructure:"itemMin"`
	ItemMax           float64       `mapstructure:"itemMax"`
	AllocationSeed    uint64        `mapstructure:"allocationSeed"`
	Simulation        bool          `mapstructure:"simulation"`
	CursorName        string        `mapstructure:"cursorName"`
	DefaultLookback   time.Duration `mapstructure:"defaultLookback"`
	Filters           []FilterRule  `mapstructure:"filters"`
	PageSize          int           `mapstructure:"pageSize"`
	ErrorLimit        int           `mapstructure:"errorLimit"`
	MaxQuotaWait      time.Duration `mapstructure:"maxQuotaWait"`
	QueryCost         float64       `mapstructure:"queryCost"`
	MutationCost      float64       `mapstructure:"mutationCost"`
	Schedule          string        `mapstructure:"schedule"`
	RunTimeout        time.Duration `mapstructure:"runTimeout"`
	LeaseTTL          time.Duration `mapstructure:"leaseTTL"`
	Throttle          ThrottleRules `mapstructure:"throttle"`
}

type FilterRule struct {
	Name        string `mapstructure:"name"`
	Destination string `mapstructure:"destination"`
	Query       string `mapstructure:"query"`
	PageSize    int    `mapstructure:"pageSize"`
}

type ThrottleRules struct {
	MaxCredits     float64       `mapstructure:"maxCredits"`
	RestoreRate    float64       `mapstructure:"restoreRate"`
	CreditBuffer   float64       `mapstructure:"creditBuffer"`
	WindowRequests int           `mapstructure:"windowRequests"`
	Window         time.Duration `mapstructure:"window"`
	WindowBuffer   int           `mapstructure:"windowBuffer"`
}

func DefaultRules() Rules {
	return Rules{
		TargetDestination: "US",
		Tag:               "declared-value-set",
		FieldNamespace:    "customs",
		FieldKey:          "declared_value",
		MaxValue:          800,
		ItemMin:           1,
		ItemMax:           800,
		CursorName:        "orders",
		DefaultLookback:   7 * 24 * time.Hour,
		Filters: []FilterRule{
			{Name: "us-open", Destination: "US", Query: "status:open"},
		},
		PageSize:     50,
		ErrorLimit:   50,
		MaxQuotaWait: 2 * time.Minute,
		QueryCost:    50,
		MutationCost: 10,
		Schedule:     "@every 15m",
		RunTimeout:   10 * time.Minute,
		LeaseTTL:     15 * time.Minute,
		Throttle: ThrottleRules{
			MaxCredits:     1000,
			RestoreRate:    50,
			CreditBuffer:   100,
			WindowRequests: 40,
			Window:         time.Minute,
			WindowBuffer:   2,
		},
	}
}

type RulesHolder struct {
	current atomic.Value // holds Rules
}

// NewRulesHolder reads declara.yml from the standard locations. A missing
// file yields the defaults.
func NewRulesHolder(log *zap.Logger) (*RulesHolder, error) {
	v := viper.New()

	v.SetConfigName("declara")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/declara/config")
	v.AddConfigPath("/etc/declara")
	v.AddConfigPath(".")

	return newRulesHolder(v, log)
}

// NewRulesHolderFromFile reads rules from an explicit path.
func NewRulesHolderFromFile(path string, log *zap.Logger) (*RulesHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newRulesHolder(v, log)
}

// NewStaticRulesHolder holds fixed rules without watching any file.
func NewStaticRulesHolder(r Rules) *RulesHolder {
	holder := &RulesHolder{}
	holder.current.Store(r)
	return holder
}

func newRulesHolder(v *viper.Viper, log *zap.Logger) (*RulesHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.rules")

	v.SetEnvPrefix("DECLARA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setRuleDefaults(v, DefaultRules())

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
		log.Info("config.rules.defaults")
	}

	cfg, err := decodeRules(v)
	if err != nil {
		return nil, err
	}

	holder := &RulesHolder{}
	holder.current.Store(cfg)

	if watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeRules(v)
			if err != nil {
				log.Warn("config.rules.reload_failed", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("config.rules.reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

func (h *RulesHolder) Get() Rules {
	return h.current.Load().(Rules)
}

func decodeRules(v *viper.Viper) (Rules, error) {
	var wrapper struct {
		Batch Rules `mapstructure:"batch"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return Rules{}, err
	}
	cfg := wrapper.Batch
	if err := ValidateRules(cfg); err != nil {
		return Rules{}, err
	}
	return cfg, nil
}

func setRuleDefaults(v *viper.Viper, d Rules) {
	v.SetDefault("batch.targetDestination", d.TargetDestination)
	v.SetDefault("batch.tag", d.Tag)
	v.SetDefault("batch.fieldNamespace", d.FieldNamespace)
	v.SetDefault("batch.fieldKey", d.FieldKey)
	v.SetDefault("batch.maxValue", d.MaxValue)
	v.SetDefault("batch.itemMin", d.ItemMin)
	v.SetDefault("batch.itemMax", d.ItemMax)
	v.SetDefault("batch.allocationSeed", d.AllocationSeed)
	v.SetDefault("batch.simulation", d.Simulation)
	v.SetDefault("batch.cursorName", d.CursorName)
	v.SetDefault("batch.defaultLookback", d.DefaultLookback)
	v.SetDefault("batch.filters", []map[string]any{
		{"name": d.Filters[0].Name, "destination": d.Filters[0].Destination, "query": d.Filters[0].Query},
	})
	v.SetDefault("batch.pageSize", d.PageSize)
	v.SetDefault("batch.errorLimit", d.ErrorLimit)
	v.SetDefault("batch.maxQuotaWait", d.MaxQuotaWait)
	v.SetDefault("batch.queryCost", d.QueryCost)
	v.SetDefault("batch.mutationCost", d.MutationCost)
	v.SetDefault("batch.schedule", d.Schedule)
	v.SetDefault("batch.runTimeout", d.RunTimeout)
	v.SetDefault("batch.leaseTTL", d.LeaseTTL)
	v.SetDefault("batch.throttle.maxCredits", d.Throttle.MaxCredits)
	v.SetDefault("batch.throttle.restoreRate", d.Throttle.RestoreRate)
	v.SetDefault("batch.throttle.creditBuffer", d.Throttle.CreditBuffer)
	v.SetDefault("batch.throttle.windowRequests", d.Throttle.WindowRequests)
	v.SetDefault("batch.throttle.window", d.Throttle.Window)
	v.SetDefault("batch.throttle.windowBuffer", d.Throttle.WindowBuffer)
}

// ValidateRules rejects settings a batch run can not work with.
func ValidateRules(cfg Rules) error {
	var errs []error
	if strings.TrimSpace(cfg.TargetDestination) == "" {
		errs = append(errs, errors.New("batch.targetDestination cannot be empty"))
	}
	if strings.TrimSpace(cfg.Tag) == "" {
		errs = append(errs, errors.New("batch.tag cannot be empty"))
	}
	if strings.TrimSpace(cfg.FieldKey) == "" {
		errs = append(errs, errors.New("batch.fieldKey cannot be empty"))
	}
	if cfg.MaxValue <= 0 {
		errs = append(errs, errors.New("batch.maxValue must be positive"))
	}
	if cfg.ItemMin < 0 || cfg.ItemMax < 0 {
		errs = append(errs, errors.New("batch.itemMin and batch.itemMax cannot be negative"))
	}
	if cfg.ItemMax > 0 && cfg.ItemMax < cfg.ItemMin {
		errs = append(errs, errors.New("batch.itemMax must not be below batch.itemMin"))
	}
	if strings.TrimSpace(cfg.CursorName) == "" {
		errs = append(errs, errors.New("batch.cursorName cannot be empty"))
	}
	if len(cfg.Filters) == 0 {
		errs = append(errs, errors.New("batch.filters cannot be empty"))
	}
	seen := map[string]bool{}
	for i, f := range cfg.Filters {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("batch.filters[%d].name cannot be empty", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("batch.filters[%d].name %q is duplicated", i, name))
		}
		seen[name] = true
	}
	if cfg.ErrorLimit <= 0 {
		errs = append(errs, errors.New("batch.errorLimit must be positive"))
	}
	if cfg.MaxQuotaWait < 0 {
		errs = append(errs, errors.New("batch.maxQuotaWait cannot be negative"))
	}
	return errors.Join(errs...)
}
