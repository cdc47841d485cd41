package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Title          string              `mapstructure:"title"`
	MaxScanHistory int                 `mapstructure:"max_scan_history"`
	Variant        string              `mapstructure:"variant"`
	PinTop         bool                `mapstructure:"pin_top"`
	LogLevel       string              `mapstructure:"log_level"`
	Bluetooth      BluetoothConfig     `mapstructure:"bluetooth"`
	Keypad         KeypadConfig        `mapstructure:"keypad"`
	Camera         CameraConfig        `mapstructure:"camera"`
	Audio          AudioConfig         `mapstructure:"audio"`
	Instructions   []InstructionConfig `mapstructure:"instructions"`
}

// BluetoothConfig selects the scanner transport.
type BluetoothConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"` // "bluez" | "tinygo"
	Adapter string `mapstructure:"adapter"`
}

type KeypadConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Visible  bool   `mapstructure:"visible"`
	UserKeyA string `mapstructure:"user_key_a"`
	UserKeyB string `mapstructure:"user_key_b"`
}

type CameraConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Visible bool `mapstructure:"visible"`
}

// AudioConfig locates the cue files and the player used for them.
type AudioConfig struct {
	Dir      string   `mapstructure:"dir"`
	Command  []string `mapstructure:"command"`
	Success  string   `mapstructure:"success"`
	Add      string   `mapstructure:"add"`
	Excess   string   `mapstructure:"excess"`
	Complete string   `mapstructure:"complete"`
	Fail     string   `mapstructure:"fail"`
}

// InstructionConfig declares one scan mode and the action behind it.
type InstructionConfig struct {
	Title      string   `mapstructure:"title"`
	Icon       string   `mapstructure:"icon"`
	Default    bool     `mapstructure:"default"`
	SingleScan bool     `mapstructure:"single_scan"`
	ClearLog   bool     `mapstructure:"clear_log"`
	Action     string   `mapstructure:"action"`
	Prefix     string   `mapstructure:"prefix"`
	URL        string   `mapstructure:"url"`
	Expect     []string `mapstructure:"expect"`
}

// Path returns the config file in use: INPUTSCAN_CONFIG, else
// $XDG_CONFIG_HOME/inputscan/config.toml.
func Path() string {
	if p := os.Getenv("INPUTSCAN_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "inputscan", "config.toml")
}

func newViper() *viper.Viper {
	v := viper.New()

	// default values
	v.SetDefault("title", "Scan")
	v.SetDefault("max_scan_history", 5)
	v.SetDefault("variant", "dropdown")
	v.SetDefault("pin_top", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("bluetooth.enabled", true)
	v.SetDefault("bluetooth.backend", "bluez")
	v.SetDefault("bluetooth.adapter", "hci0")
	v.SetDefault("keypad.enabled", false)
	v.SetDefault("keypad.visible", false)
	v.SetDefault("keypad.user_key_a", "A")
	v.SetDefault("keypad.user_key_b", "B")
	v.SetDefault("camera.enabled", false)
	v.SetDefault("camera.visible", false)
	v.SetDefault("audio.dir", "assets/sounds")
	v.SetDefault("audio.success", "success.wav")
	v.SetDefault("audio.add", "add.wav")
	v.SetDefault("audio.excess", "excess.wav")
	v.SetDefault("audio.complete", "complete.wav")
	v.SetDefault("audio.fail", "fail.wav")

	v.SetConfigType("toml")
	v.SetConfigFile(Path())

	v.SetEnvPrefix("INPUTSCAN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(c.Instructions) == 0 {
		c.Instructions = []InstructionConfig{{Title: "Scan", Icon: "barcode", Default: true, Action: "accept"}}
	}
	return c, nil
}

// readIn reads the config file. A missing file is fine; defaults and env
// apply. A file that exists but does not parse is an error.
func readIn(v *viper.Viper) error {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err == nil || errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
}

// Load reads configuration from file and env. Env var overrides use prefix INPUTSCAN_.
func Load() (Config, error) {
	v := newViper()
	if err := readIn(v); err != nil {
		return Config{}, err
	}
	return decode(v)
}

// Watch loads the configuration and calls onChange with the new values
// every time the file is rewritten.
func Watch(onChange func(Config, fsnotify.Event)) (Config, error) {
	v := newViper()
	if err := readIn(v); err != nil {
		return Config{}, err
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			return
		}
		onChange(next, e)
	})
	v.WatchConfig()
	return cfg, nil
}
