// Package config resolves the application directory layout and loads the
// user options in config/config.json, with STOCKROOM_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/agentworkforce/stockroom/internal/safewrite"
)

const (
	EnvPrefix  = "STOCKROOM"
	EnvHome    = "STOCKROOM_HOME"
	defaultDir = "MobileShopManager"
)

var ErrInvalidConfig = errors.New("invalid config")

// Paths is the on-disk layout under the application directory.
type Paths struct {
	AppDir       string
	ConfigDir    string
	ConfigFile   string
	MappingsFile string
	RegistryFile string
	AppDataFile  string
	QueueFile    string
	BackupDir    string
	LogDir       string
	ActivityFile string
}

// ResolveAppDir returns $STOCKROOM_HOME when set, otherwise
// ~/Documents/MobileShopManager.
func ResolveAppDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvHome)); dir != "" {
		return filepath.Abs(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Documents", defaultDir), nil
}

func NewPaths(appDir string) Paths {
	configDir := filepath.Join(appDir, "config")
	logDir := filepath.Join(appDir, "logs")
	return Paths{
		AppDir:       appDir,
		ConfigDir:    configDir,
		ConfigFile:   filepath.Join(configDir, "config.json"),
		MappingsFile: filepath.Join(configDir, "file_mappings.json"),
		RegistryFile: filepath.Join(configDir, "id_registry.json"),
		AppDataFile:  filepath.Join(configDir, "app_data.json"),
		QueueFile:    filepath.Join(configDir, "writeback_queue.json"),
		BackupDir:    filepath.Join(appDir, "backups"),
		LogDir:       logDir,
		ActivityFile: filepath.Join(logDir, "activity.json"),
	}
}

// Ensure creates the directories of the layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.ConfigDir, p.BackupDir, p.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

type Config struct {
	PriceMarkupPercent float64 `mapstructure:"price_markup_percent" json:"price_markup_percent" validate:"gte=0,lte=1000"`
	StoreName          string  `mapstructure:"store_name" json:"store_name"`
	StoreAddress       string  `mapstructure:"store_address" json:"store_address"`
	StoreGSTIN         string  `mapstructure:"store_gstin" json:"store_gstin"`
	GSTDefaultPercent  float64 `mapstructure:"gst_default_percent" json:"gst_default_percent" validate:"gte=0,lte=100"`
	LabelWidthMM       float64 `mapstructure:"label_width_mm" json:"label_width_mm" validate:"gt=0"`
	LabelHeightMM      float64 `mapstructure:"label_height_mm" json:"label_height_mm" validate:"gt=0"`
	PrinterType        string  `mapstructure:"printer_type" json:"printer_type" validate:"oneof=windows escpos"`
	OutputFolder       string  `mapstructure:"output_folder" json:"output_folder"`
	UniqueIDPrefix     string  `mapstructure:"auto_unique_id_prefix" json:"auto_unique_id_prefix"`
	ThemeName          string  `mapstructure:"theme_name" json:"theme_name"`

	BackupKeep            int           `mapstructure:"backup_keep" json:"backup_keep" validate:"gte=1,lte=100"`
	Debounce              time.Duration `mapstructure:"debounce" json:"-" validate:"gt=0"`
	WritebackOpenAttempts int           `mapstructure:"writeback_open_attempts" json:"writeback_open_attempts" validate:"gte=1,lte=20"`
	WritebackRetryDelay   time.Duration `mapstructure:"writeback_retry_delay" json:"-" validate:"gte=0"`
	StrictRowMatch        bool          `mapstructure:"strict_row_match" json:"strict_row_match"`
	RegistryDSN           string        `mapstructure:"registry_dsn" json:"registry_dsn"`
	WritebackQueueDSN     string        `mapstructure:"writeback_queue_dsn" json:"writeback_queue_dsn"`
	ListenAddr            string        `mapstructure:"listen_addr" json:"listen_addr" validate:"required,hostname_port"`
	LogLevel              string        `mapstructure:"log_level" json:"log_level" validate:"oneof=trace debug info warn error"`

	// APIToken only comes from the environment and is never saved.
	APIToken string `mapstructure:"api_token" json:"-"`
}

// MarshalJSON writes durations in their text form ("1.5s").
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return json.Marshal(struct {
		plain
		Debounce            string `json:"debounce"`
		WritebackRetryDelay string `json:"writeback_retry_delay"`
	}{plain(c), c.Debounce.String(), c.WritebackRetryDelay.String()})
}

func Defaults(p Paths) Config {
	return Config{
		PriceMarkupPercent:    0,
		StoreName:             "Mobile Shop",
		GSTDefaultPercent:     18,
		LabelWidthMM:          50,
		LabelHeightMM:         22,
		PrinterType:           "windows",
		OutputFolder:          p.AppDir,
		UniqueIDPrefix:        "MSM",
		ThemeName:             "dark",
		BackupKeep:            5,
		Debounce:              time.Second,
		WritebackOpenAttempts: 3,
		WritebackRetryDelay:   1500 * time.Millisecond,
		ListenAddr:            "127.0.0.1:8765",
		LogLevel:              "info",
	}
}

var validate = validator.New()

// Load reads config.json, applying defaults for absent keys and STOCKROOM_*
// environment overrides (STOCKROOM_PRICE_MARKUP_PERCENT, ...). A missing file
// is created with the defaults.
func Load(p Paths) (Config, error) {
	defaults := Defaults(p)
	v := viper.New()
	v.SetConfigFile(p.ConfigFile)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, defaults)

	created := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		created = true
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	if created {
		if err := Save(p, defaults); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("price_markup_percent", d.PriceMarkupPercent)
	v.SetDefault("store_name", d.StoreName)
	v.SetDefault("store_address", d.StoreAddress)
	v.SetDefault("store_gstin", d.StoreGSTIN)
	v.SetDefault("gst_default_percent", d.GSTDefaultPercent)
	v.SetDefault("label_width_mm", d.LabelWidthMM)
	v.SetDefault("label_height_mm", d.LabelHeightMM)
	v.SetDefault("printer_type", d.PrinterType)
	v.SetDefault("output_folder", d.OutputFolder)
	v.SetDefault("auto_unique_id_prefix", d.UniqueIDPrefix)
	v.SetDefault("theme_name", d.ThemeName)
	v.SetDefault("backup_keep", d.BackupKeep)
	v.SetDefault("debounce", d.Debounce.String())
	v.SetDefault("writeback_open_attempts", d.WritebackOpenAttempts)
	v.SetDefault("writeback_retry_delay", d.WritebackRetryDelay.String())
	v.SetDefault("strict_row_match", d.StrictRowMatch)
	v.SetDefault("registry_dsn", d.RegistryDSN)
	v.SetDefault("writeback_queue_dsn", d.WritebackQueueDSN)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("api_token", "")
}

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Save validates cfg and writes it atomically.
func Save(p Paths, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	return safewrite.WriteJSON(p.ConfigFile, cfg)
}

// RegistryDSNOrDefault is the configured registry DSN, or the JSON file in
// the config directory.
func (c Config) RegistryDSNOrDefault(p Paths) string {
	if dsn := strings.TrimSpace(c.RegistryDSN); dsn != "" {
		return dsn
	}
	return p.RegistryFile
}
