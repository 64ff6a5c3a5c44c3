package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultFile is the optional YAML file consulted before environment variables.
const DefaultFile = "/app/hub-api.yaml"

// Config is the complete runtime configuration handed to every component.
type Config struct {
	Listen           string `mapstructure:"listen"`
	ConfigDir        string `mapstructure:"config_dir"`
	ProfilesDir      string `mapstructure:"profiles_dir"`
	ActiveLink       string `mapstructure:"active_link"`
	ActiveNameFile   string `mapstructure:"active_name_file"`
	LockFile         string `mapstructure:"lock_file"`
	LogFile          string `mapstructure:"log_file"`
	DBFile           string `mapstructure:"db_file"`
	DataUsageFile    string `mapstructure:"data_usage_file"`
	WGEDataUsageFile string `mapstructure:"wge_data_usage_file"`
	ContainerPrefix  string `mapstructure:"container_prefix"`
	ComposeFile      string `mapstructure:"compose_file"`
	ServicesFile     string `mapstructure:"services_file"`
	SourcesDir       string `mapstructure:"sources_dir"`
	ImageUpdatesFile string `mapstructure:"image_updates_file"`
	MigrateScript    string `mapstructure:"migrate_script"`
	PatchesScript    string `mapstructure:"patches_script"`
	ThemeFile        string `mapstructure:"theme_file"`
	SecretsFile      string `mapstructure:"secrets_file"`
	CertFile         string `mapstructure:"cert_file"`
	AcmeLogFile      string `mapstructure:"acme_log_file"`
	ProcRoot         string `mapstructure:"proc_root"`
	APIKey           string `mapstructure:"hub_api_key"`
	AdminPassword    string `mapstructure:"admin_pass_raw"`
	UpdateStrategy   string `mapstructure:"update_strategy"`

	WebhookAllow []string `mapstructure:"webhook_allow"`

	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Peers    PeersConfig    `mapstructure:"peers"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Log      LogConfig      `mapstructure:"log"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

// GatewayConfig describes the VPN egress container.
type GatewayConfig struct {
	Container      string        `mapstructure:"container"`
	ControlURL     string        `mapstructure:"control_url"`
	Interfaces     []string      `mapstructure:"interfaces"`
	HealthAttempts int           `mapstructure:"health_attempts"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// PeersConfig describes the VPN server whose peers are counted.
type PeersConfig struct {
	Container       string        `mapstructure:"container"`
	Interface       string        `mapstructure:"interface"`
	HandshakeWindow time.Duration `mapstructure:"handshake_window"`
	UseWgctrl       bool          `mapstructure:"use_wgctrl"`
}

// TimeoutsConfig bounds every external call.
type TimeoutsConfig struct {
	Migration time.Duration `mapstructure:"migration"`
	Update    time.Duration `mapstructure:"update"`
	Git       time.Duration `mapstructure:"git"`
	Probe     time.Duration `mapstructure:"probe"`
	Engine    time.Duration `mapstructure:"engine"`
	Compose   time.Duration `mapstructure:"compose"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// JobsConfig holds cron specs for background jobs. Empty disables a job.
type JobsConfig struct {
	ContainerMetrics string `mapstructure:"container_metrics"`
	DBCleanup        string `mapstructure:"db_cleanup"`
	SourceFetch      string `mapstructure:"source_fetch"`
}

// Load reads defaults, the optional config file, the environment and any bound flags.
// file may be empty, in which case DefaultFile is tried.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file == "" {
		file = DefaultFile
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("listen"); f != nil {
			if err := v.BindPFlag("listen", f); err != nil {
				return nil, fmt.Errorf("bind flag listen: %w", err)
			}
		}
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("log.level", f); err != nil {
				return nil, fmt.Errorf("bind flag log-level: %w", err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// PORT is the historical way deployments pick the port.
	if port := strings.TrimSpace(v.GetString("port")); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid PORT %q", port)
		}
		if flags == nil || !flags.Changed("listen") {
			cfg.Listen = ":" + port
		}
	}

	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":55555")
	v.SetDefault("port", "")
	v.SetDefault("config_dir", "/app")
	v.SetDefault("profiles_dir", "/profiles")
	v.SetDefault("active_link", "")
	v.SetDefault("active_name_file", "")
	v.SetDefault("lock_file", "/tmp/hub-api-activation.lock")
	v.SetDefault("log_file", "/app/deployment.log")
	v.SetDefault("db_file", "/app/data/logs.db")
	v.SetDefault("data_usage_file", "/app/.data_usage")
	v.SetDefault("wge_data_usage_file", "/app/.wge_data_usage")
	v.SetDefault("container_prefix", "hub-")
	v.SetDefault("compose_file", "")
	v.SetDefault("services_file", "")
	v.SetDefault("sources_dir", "")
	v.SetDefault("image_updates_file", "")
	v.SetDefault("migrate_script", "/usr/local/bin/migrate.sh")
	v.SetDefault("patches_script", "")
	v.SetDefault("theme_file", "")
	v.SetDefault("secrets_file", "")
	v.SetDefault("cert_file", "/etc/adguard/conf/ssl.crt")
	v.SetDefault("acme_log_file", "/etc/adguard/conf/certbot/last_run.log")
	v.SetDefault("proc_root", "/proc")
	v.SetDefault("hub_api_key", "")
	v.SetDefault("admin_pass_raw", "")
	v.SetDefault("update_strategy", "stable")
	v.SetDefault("webhook_allow", []string{
		"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "::1/128", "fc00::/7",
	})

	v.SetDefault("gateway.container", "gluetun")
	v.SetDefault("gateway.control_url", "")
	v.SetDefault("gateway.interfaces", []string{"tun0", "wg0"})
	v.SetDefault("gateway.health_attempts", 30)
	v.SetDefault("gateway.health_interval", time.Second)

	v.SetDefault("peers.container", "wg-easy")
	v.SetDefault("peers.interface", "wg0")
	v.SetDefault("peers.handshake_window", 180*time.Second)
	v.SetDefault("peers.use_wgctrl", false)

	v.SetDefault("timeouts.migration", 120*time.Second)
	v.SetDefault("timeouts.update", 300*time.Second)
	v.SetDefault("timeouts.git", 15*time.Second)
	v.SetDefault("timeouts.probe", 2*time.Second)
	v.SetDefault("timeouts.engine", 30*time.Second)
	v.SetDefault("timeouts.compose", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)

	v.SetDefault("jobs.container_metrics", "@every 30s")
	v.SetDefault("jobs.db_cleanup", "@every 10m")
	v.SetDefault("jobs.source_fetch", "@every 6h")
}

// fillDerived resolves paths that default relative to other settings.
func (c *Config) fillDerived() {
	if c.ActiveLink == "" {
		c.ActiveLink = filepath.Join(c.ProfilesDir, "active.conf")
	}
	if c.ActiveNameFile == "" {
		c.ActiveNameFile = filepath.Join(c.ProfilesDir, ".active_profile")
	}
	join := func(target *string, name string) {
		if *target == "" {
			*target = filepath.Join(c.ConfigDir, name)
		}
	}
	join(&c.ComposeFile, "docker-compose.yml")
	join(&c.ServicesFile, "services.yaml")
	join(&c.SourcesDir, "sources")
	join(&c.ImageUpdatesFile, filepath.Join("data", "image_updates.json"))
	join(&c.PatchesScript, "patches.sh")
	join(&c.ThemeFile, "theme.json")
	join(&c.SecretsFile, ".secrets")
	if c.Gateway.ControlURL == "" {
		c.Gateway.ControlURL = fmt.Sprintf("http://%s%s:8000", c.ContainerPrefix, c.Gateway.Container)
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	required := map[string]string{
		"config_dir":   c.ConfigDir,
		"profiles_dir": c.ProfilesDir,
		"lock_file":    c.LockFile,
		"log_file":     c.LogFile,
		"db_file":      c.DBFile,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("config: %s must not be empty", key)
		}
	}
	if strings.TrimSpace(c.Gateway.Container) == "" {
		return errors.New("config: gateway.container must not be empty")
	}
	if len(c.Gateway.Interfaces) == 0 {
		return errors.New("config: gateway.interfaces must list at least one interface")
	}
	if c.Gateway.HealthAttempts <= 0 {
		return errors.New("config: gateway.health_attempts must be positive")
	}
	durations := map[string]time.Duration{
		"gateway.health_interval": c.Gateway.HealthInterval,
		"peers.handshake_window":  c.Peers.HandshakeWindow,
		"timeouts.migration":      c.Timeouts.Migration,
		"timeouts.update":         c.Timeouts.Update,
		"timeouts.git":            c.Timeouts.Git,
		"timeouts.probe":          c.Timeouts.Probe,
		"timeouts.engine":         c.Timeouts.Engine,
		"timeouts.compose":        c.Timeouts.Compose,
	}
	for key, value := range durations {
		if value <= 0 {
			return fmt.Errorf("config: %s must be positive", key)
		}
	}
	switch c.UpdateStrategy {
	case "stable", "latest":
	default:
		return fmt.Errorf("config: update_strategy must be stable or latest, got %q", c.UpdateStrategy)
	}
	for _, cidr := range c.WebhookAllow {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("config: webhook_allow entry %q: %w", cidr, err)
		}
	}
	return nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
