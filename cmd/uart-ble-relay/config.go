package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/uart-ble-relay/internal/ble"
	"github.com/kstaniek/uart-ble-relay/internal/pairing"
	"github.com/kstaniek/uart-ble-relay/internal/uart"
)

const envPrefix = "UART_BLE_RELAY_"

type appConfig struct {
	configPath      string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	poolSize        int
	rxRetry         time.Duration
	banner          string
	pairingWindow   time.Duration
	bleName         string
	hci             string
	statusEvery     time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	return &appConfig{
		serialDev:     "/dev/ttyUSB0",
		baud:          115200,
		serialReadTO:  50 * time.Millisecond,
		poolSize:      16,
		rxRetry:       uart.DefaultRxRetry,
		banner:        uart.DefaultBanner,
		pairingWindow: pairing.DefaultWindow,
		bleName:       ble.DefaultName,
		hci:           "hci0",
		statusEvery:   time.Second,
		logFormat:     "text",
		logLevel:      "info",
	}
}

func parseFlags() (*appConfig, bool) {
	cfg := defaultConfig()
	flag.StringVar(&cfg.configPath, "config", "", "Optional YAML config file (flags and env take precedence)")
	flag.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device path")
	flag.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	flag.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	flag.IntVar(&cfg.poolSize, "pool-size", cfg.poolSize, "Number of serial buffers in the pool")
	flag.DurationVar(&cfg.rxRetry, "rx-retry", cfg.rxRetry, "Delay before retrying receive or busy transmit")
	flag.StringVar(&cfg.banner, "banner", cfg.banner, `Banner sent on the serial side at start ("" disables; \r and \n escapes allowed)`)
	flag.DurationVar(&cfg.pairingWindow, "pairing-window", cfg.pairingWindow, "How long pairing is accepted after start")
	flag.StringVar(&cfg.bleName, "ble-name", cfg.bleName, "Advertised BLE device name")
	flag.StringVar(&cfg.hci, "hci", cfg.hci, "Bluetooth controller (Linux)")
	flag.DurationVar(&cfg.statusEvery, "status-interval", cfg.statusEvery, "Status monitor sampling interval")
	flag.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	flag.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	flag.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	flag.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint via mDNS (requires -metrics-addr)")
	flag.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default uart-ble-relay-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Explicit flags win over env and file.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := loadLayers(cfg, setFlags); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// loadLayers applies the config file then the environment beneath the flags
// recorded in set.
func loadLayers(c *appConfig, set map[string]struct{}) error {
	if _, ok := set["config"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok && strings.TrimSpace(v) != "" {
			c.configPath = strings.TrimSpace(v)
		}
	}
	if c.configPath != "" {
		fc, err := loadConfigFile(c.configPath)
		if err != nil {
			return err
		}
		applyFileConfig(c, fc, set)
	}
	if err := applyEnvOverrides(c, set); err != nil {
		return fmt.Errorf("environment override: %w", err)
	}
	c.banner = unescapeBanner(c.banner)
	return nil
}

// validate checks values and ranges only; it does not open devices.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.serialDev == "" {
		return errors.New("serial must not be empty")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	// reception double-buffers, so one buffer is always left for transmit
	if c.poolSize < 3 {
		return fmt.Errorf("pool-size must be >= 3 (got %d)", c.poolSize)
	}
	if c.rxRetry <= 0 {
		return fmt.Errorf("rx-retry must be > 0")
	}
	if c.pairingWindow <= 0 {
		return fmt.Errorf("pairing-window must be > 0")
	}
	if c.bleName == "" {
		return errors.New("ble-name must not be empty")
	}
	if !strings.HasPrefix(c.hci, "hci") {
		return fmt.Errorf("invalid hci: %s", c.hci)
	}
	if c.statusEvery <= 0 {
		return fmt.Errorf("status-interval must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// fileConfig is the YAML layer. Zero values leave the default in place;
// pointer fields may set an explicit empty or false value.
type fileConfig struct {
	Serial             string        `yaml:"serial"`
	Baud               int           `yaml:"baud"`
	SerialReadTimeout  time.Duration `yaml:"serial_read_timeout"`
	PoolSize           int           `yaml:"pool_size"`
	RxRetry            time.Duration `yaml:"rx_retry"`
	Banner             *string       `yaml:"banner"`
	PairingWindow      time.Duration `yaml:"pairing_window"`
	BLEName            string        `yaml:"ble_name"`
	HCI                string        `yaml:"hci"`
	StatusInterval     time.Duration `yaml:"status_interval"`
	LogFormat          string        `yaml:"log_format"`
	LogLevel           string        `yaml:"log_level"`
	MetricsAddr        *string       `yaml:"metrics_addr"`
	LogMetricsInterval time.Duration `yaml:"log_metrics_interval"`
	MDNSEnable         *bool         `yaml:"mdns_enable"`
	MDNSName           string        `yaml:"mdns_name"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	defer f.Close()
	fc := &fileConfig{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return fc, nil
}

func applyFileConfig(c *appConfig, fc *fileConfig, set map[string]struct{}) {
	unset := func(name string) bool { _, ok := set[name]; return !ok }
	str := func(name string, dst *string, v string) {
		if v != "" && unset(name) {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration, v time.Duration) {
		if v != 0 && unset(name) {
			*dst = v
		}
	}
	num := func(name string, dst *int, v int) {
		if v != 0 && unset(name) {
			*dst = v
		}
	}
	str("serial", &c.serialDev, fc.Serial)
	num("baud", &c.baud, fc.Baud)
	dur("serial-read-timeout", &c.serialReadTO, fc.SerialReadTimeout)
	num("pool-size", &c.poolSize, fc.PoolSize)
	dur("rx-retry", &c.rxRetry, fc.RxRetry)
	if fc.Banner != nil && unset("banner") {
		c.banner = *fc.Banner
	}
	dur("pairing-window", &c.pairingWindow, fc.PairingWindow)
	str("ble-name", &c.bleName, fc.BLEName)
	str("hci", &c.hci, fc.HCI)
	dur("status-interval", &c.statusEvery, fc.StatusInterval)
	str("log-format", &c.logFormat, fc.LogFormat)
	str("log-level", &c.logLevel, fc.LogLevel)
	if fc.MetricsAddr != nil && unset("metrics-addr") {
		c.metricsAddr = *fc.MetricsAddr
	}
	dur("log-metrics-interval", &c.logMetricsEvery, fc.LogMetricsInterval)
	if fc.MDNSEnable != nil && unset("mdns-enable") {
		c.mdnsEnable = *fc.MDNSEnable
	}
	str("mdns-name", &c.mdnsName, fc.MDNSName)
}

// applyEnvOverrides maps UART_BLE_RELAY_* environment variables to config
// fields unless the corresponding flag was set. Empty values are ignored
// except for METRICS and BANNER, where empty disables. The first parse error
// is returned; later variables are still applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
	}
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	num := func(flagName, key string, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}

	str("serial", "SERIAL", &c.serialDev)
	num("baud", "BAUD", &c.baud)
	dur("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	num("pool-size", "POOL_SIZE", &c.poolSize)
	dur("rx-retry", "RX_RETRY", &c.rxRetry)
	if _, ok := set["banner"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "BANNER"); ok {
			c.banner = v
		}
	}
	dur("pairing-window", "PAIRING_WINDOW", &c.pairingWindow)
	str("ble-name", "BLE_NAME", &c.bleName)
	str("hci", "HCI", &c.hci)
	dur("status-interval", "STATUS_INTERVAL", &c.statusEvery)
	str("log-format", "LOG_FORMAT", &c.logFormat)
	str("log-level", "LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	dur("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	if v, ok := get("mdns-enable", "MDNS_ENABLE"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		default:
			fail("MDNS_ENABLE", fmt.Errorf("not a boolean: %q", v))
		}
	}
	str("mdns-name", "MDNS_NAME", &c.mdnsName)
	return firstErr
}

var bannerEscapes = strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t")

// unescapeBanner expands \r, \n and \t typed literally on a command line or
// in the environment.
func unescapeBanner(s string) string { return bannerEscapes.Replace(s) }
