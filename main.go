package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

// Process exit statuses
const (
	exitOK      = 0
	exitFailure = 1
)

// newLogger builds the process logger; debug lowers the level to debug.
func newLogger(debug bool) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		level.SetLevel(zap.DebugLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = !debug

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// secondsValue is a duration flag that also accepts a bare number of seconds.
type secondsValue struct{ d *time.Duration }

func (v secondsValue) String() string {
	if v.d == nil {
		return ""
	}
	return fmt.Sprint(int64(*v.d / time.Second))
}

func (v secondsValue) Set(s string) error {
	if d, ok := parseSeconds(s); ok {
		*v.d = d
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*v.d = d
	return nil
}

// apiKeysValue is the name=ip,name=ip flag form of api_keys.
type apiKeysValue struct{ m *map[string]string }

func (v apiKeysValue) String() string {
	if v.m == nil {
		return ""
	}
	return formatAPIKeys(*v.m)
}

func (v apiKeysValue) Set(s string) error {
	keys, err := parseAPIKeys(s)
	if err != nil {
		return err
	}
	*v.m = keys
	return nil
}

// parseFlags parses command-line flags and returns configuration.
// Default values are read from UDPT__<KEY> environment variables
// (e.g. UDPT__PORT, UDPT__IS_DYNAMIC, UDPT__ANNOUNCE_INTERVAL); flags win.
func parseFlags(args, environ []string, output io.Writer) (config, error) {
	cfg := defaultConfig()
	if err := decodeConfig(loadEnv(environ), &cfg); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("pico-udpt", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.IntVar(&cfg.Port, "port", cfg.Port, "UDP port to listen on [env UDPT__PORT]")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "alias to -port")

	// secret default is applied by the server (hides from -help output)
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "secret key for connection ID signing [env UDPT__SECRET]")
	fs.StringVar(&cfg.Secret, "s", cfg.Secret, "alias to -secret")

	fs.StringVar(&cfg.Whitelist, "whitelist", cfg.Whitelist,
		"path to whitelist file of registered info hashes [env UDPT__WHITELIST]")
	fs.StringVar(&cfg.Whitelist, "w", cfg.Whitelist, "alias to -whitelist")

	fs.StringVar(&cfg.TorrentsDir, "torrents-dir", cfg.TorrentsDir,
		"directory of .torrent files to register [env UDPT__TORRENTS_DIR]")

	fs.BoolVar(&cfg.IsDynamic, "dynamic", cfg.IsDynamic,
		"track any torrent announced, not only registered ones [env UDPT__IS_DYNAMIC]")
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "workers per socket [env UDPT__THREADS]")
	fs.BoolVar(&cfg.AllowRemotes, "allow-remotes", cfg.AllowRemotes,
		"accept clients outside local_subnet and remote_ip [env UDPT__ALLOW_REMOTES]")
	fs.BoolVar(&cfg.AllowIANAIPs, "allow-iana-ips", cfg.AllowIANAIPs,
		"accept clients from IANA reserved ranges [env UDPT__ALLOW_IANA_IPS]")
	fs.Var(secondsValue{&cfg.AnnounceInterval}, "announce-interval",
		"seconds between client announces [env UDPT__ANNOUNCE_INTERVAL]")
	fs.Var(secondsValue{&cfg.CleanupInterval}, "cleanup-interval",
		"seconds between stale peer sweeps [env UDPT__CLEANUP_INTERVAL]")
	fs.StringVar(&cfg.LocalSubnet, "local-subnet", cfg.LocalSubnet, "local network [env UDPT__LOCAL_SUBNET]")
	fs.StringVar(&cfg.RemoteIP, "remote-ip", cfg.RemoteIP, "additional allowed network [env UDPT__REMOTE_IP]")

	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "registry backend, memory or badger [env UDPT__DB_DRIVER]")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "badger directory, empty keeps it in memory [env UDPT__DB_PATH]")

	fs.BoolVar(&cfg.APIEnable, "api", cfg.APIEnable, "enable the HTTP admin API [env UDPT__API_ENABLE]")
	fs.BoolVar(&cfg.HealthCheck, "health-check", cfg.HealthCheck,
		"answer unknown actions from loopback with plain text [env UDPT__HEALTH_CHECK]")
	fs.IntVar(&cfg.APIPort, "api-port", cfg.APIPort, "TCP port of the admin API [env UDPT__API_PORT]")
	fs.Var(apiKeysValue{&cfg.APIKeys}, "api-keys", "admin API keys as name=ip,... [env UDPT__API_KEYS]")

	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs [env UDPT__DEBUG or DEBUG]")
	fs.BoolVar(&cfg.Debug, "d", cfg.Debug, "alias to -debug")

	fs.BoolVar(&cfg.showVersion, "version", false, "print version")
	fs.BoolVar(&cfg.showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(output, "\nPico UDPT: %s\nBitTorrent Tracker (UDP, BEP 15)\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(output, "\n")
	}

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// exitCode maps a Run error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var se *StartError
	if errors.As(err, &se) {
		return se.Kind.ExitCode()
	}
	return exitFailure
}

func run(args []string) int {
	cfg, err := parseFlags(args, os.Environ(), os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return StartConfigInvalid.ExitCode()
	}

	if cfg.showVersion {
		fmt.Println(version)
		return exitOK
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitFailure
	}
	//nolint:errcheck // nothing useful to do when stderr cannot be synced
	defer logger.Sync()

	ctx, stop := setupSignalHandling()
	defer stop()

	srv := NewServer(cfg, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		return exitCode(err)
	}
	return exitOK
}

func main() {
	os.Exit(run(os.Args[1:]))
}
