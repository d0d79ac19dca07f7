package main

import (
	"fmt"
	"math"
	"net/netip"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/multierr"
)

// envPrefix marks the environment variables read as configuration,
// e.g. UDPT__PORT=6969 or UDPT__IS_DYNAMIC=1.
const envPrefix = "UDPT__"

//nolint:govet // Field alignment is acceptable
type config struct {
	Secret      string `mapstructure:"secret"`
	Whitelist   string `mapstructure:"whitelist"`
	TorrentsDir string `mapstructure:"torrents_dir"`
	DBDriver    string `mapstructure:"db_driver"`
	DBPath      string `mapstructure:"db_path"`
	LocalSubnet string `mapstructure:"local_subnet"`
	RemoteIP    string `mapstructure:"remote_ip"`

	// APIKeys maps a key name to the only address allowed to use it.
	APIKeys map[string]string `mapstructure:"api_keys"`

	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`

	Port    int `mapstructure:"port"`
	Threads int `mapstructure:"threads"`
	APIPort int `mapstructure:"api_port"`

	IsDynamic    bool `mapstructure:"is_dynamic"`
	AllowRemotes bool `mapstructure:"allow_remotes"`
	AllowIANAIPs bool `mapstructure:"allow_iana_ips"`
	APIEnable    bool `mapstructure:"api_enable"`
	HealthCheck  bool `mapstructure:"health_check"`
	Debug        bool `mapstructure:"debug"`

	showVersion bool
}

func defaultConfig() config {
	return config{
		Port:             6969,
		Threads:          5,
		AllowRemotes:     true,
		AllowIANAIPs:     true,
		AnnounceInterval: 1800 * time.Second,
		CleanupInterval:  120 * time.Second,
		LocalSubnet:      "192.168.0",
		RemoteIP:         "192.168.1.0",
		DBDriver:         driverMemory,
		APIEnable:        true,
		HealthCheck:      true,
		APIPort:          6969,
		APIKeys:          map[string]string{"admin": "127.0.0.1"},
	}
}

// loadEnv collects UDPT__* variables into a map keyed by lower case config key.
// The plain DEBUG variable is honored as well.
func loadEnv(environ []string) map[string]any {
	values := make(map[string]any)
	debug := false
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if key == "DEBUG" && value != "" {
			debug = true
		}
		if name, found := strings.CutPrefix(key, envPrefix); found && name != "" {
			values[strings.ToLower(name)] = value
		}
	}
	if _, ok := values["debug"]; !ok && debug {
		values["debug"] = true
	}
	return values
}

// decodeConfig applies values on top of cfg.
func decodeConfig(values map[string]any, cfg *config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
			stringToAPIKeysHook,
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		ZeroFields:       true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(values); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	apiKeysType  = reflect.TypeOf(map[string]string(nil))
)

// secondsToDurationHook reads a bare number as seconds, the unit of the
// interval settings. Anything else is left to StringToTimeDurationHookFunc.
func secondsToDurationHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from.Kind() != reflect.String {
		return data, nil
	}
	if d, ok := parseSeconds(data.(string)); ok {
		return d, nil
	}
	return data, nil
}

func parseSeconds(s string) (time.Duration, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n > math.MaxInt64/int64(time.Second) {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// stringToAPIKeysHook decodes "name=ip,name=ip" into the api key map.
func stringToAPIKeysHook(from, to reflect.Type, data any) (any, error) {
	if to != apiKeysType || from.Kind() != reflect.String {
		return data, nil
	}
	return parseAPIKeys(data.(string))
}

func parseAPIKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, ip, ok := strings.Cut(entry, "=")
		if !ok || name == "" || ip == "" {
			return nil, fmt.Errorf("invalid api key %q, expected name=ip", entry)
		}
		keys[strings.TrimSpace(name)] = strings.TrimSpace(ip)
	}
	return keys, nil
}

func formatAPIKeys(keys map[string]string) string {
	entries := make([]string, 0, len(keys))
	for name, ip := range keys {
		entries = append(entries, name+"="+ip)
	}
	sort.Strings(entries)
	return strings.Join(entries, ",")
}

// validate rejects settings the tracker cannot start with.
func (c *config) validate() error {
	var err error
	// port 0 binds an ephemeral port
	if c.Port < 0 || c.Port > math.MaxUint16 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Threads < 1 {
		err = multierr.Append(err, fmt.Errorf("threads must be at least 1, got %d", c.Threads))
	}
	if c.AnnounceInterval < time.Second || c.AnnounceInterval/time.Second > math.MaxUint32 {
		err = multierr.Append(err, fmt.Errorf("announce_interval %v out of range", c.AnnounceInterval))
	}
	if c.CleanupInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("cleanup_interval must be positive, got %v", c.CleanupInterval))
	}
	if _, perr := NewPolicy(c.AllowRemotes, c.AllowIANAIPs, c.LocalSubnet, c.RemoteIP); perr != nil {
		err = multierr.Append(err, perr)
	}
	switch c.DBDriver {
	case driverMemory, driverBadger:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown db_driver %q", c.DBDriver))
	}
	if c.APIEnable {
		if c.APIPort < 0 || c.APIPort > math.MaxUint16 {
			err = multierr.Append(err, fmt.Errorf("api_port %d out of range", c.APIPort))
		}
		for name, ip := range c.APIKeys {
			if _, perr := netip.ParseAddr(ip); perr != nil {
				err = multierr.Append(err, fmt.Errorf("api key %q: %w", name, perr))
			}
		}
	}
	return err
}
