package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/luma/respmux/client"
	"github.com/luma/respmux/cmd/gen"
	"github.com/luma/respmux/internal/env"
)

var configFile string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "respmux",
	Short: "Talk to RESP servers through a shared multiplexer",
	Long: `Talk to RESP servers through a shared multiplexer

Settings come from RESPMUX_* environment variables, .env.local, an optional
config file and finally the flags below.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVar(&configFile, "config", "", "Config file to read settings from (yaml, json or toml)")
	flags.StringSlice("endpoints", nil, "Seed addresses, sentinels in sentinel mode")
	flags.String("mode", "", "Deployment mode: standalone, cluster or sentinel")
	flags.String("service-name", "", "Sentinel service to follow")
	flags.String("username", "", "Username to authenticate with")
	flags.String("password", "", "Password to authenticate with")
	flags.Int("db", 0, "Default database")
	flags.Int("protocol", 0, "Protocol to use, 2 or 3. Zero negotiates")
	flags.Duration("connect-timeout", 0, "How long to wait for the topology")
	flags.Duration("command-timeout", 0, "How long a command may wait for its reply")
	flags.String("log-level", "", "Log level: debug, info, warn or error")

	RootCmd.AddCommand(PingCmd)
	RootCmd.AddCommand(ExecCmd)
	RootCmd.AddCommand(ScanCmd)
	RootCmd.AddCommand(StatusCmd)
	RootCmd.AddCommand(MonitorCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("respmux")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", configFile, err)
		}
	}

	return viper.BindPFlags(cmd.Flags())
}

// overrideConfig applies settings given as flags or in the config file on
// top of the environment.
func overrideConfig(conf *env.Config) {
	if viper.IsSet("endpoints") {
		conf.Endpoints = viper.GetStringSlice("endpoints")
	}
	if viper.IsSet("mode") {
		conf.Mode = viper.GetString("mode")
	}
	if viper.IsSet("service-name") {
		conf.ServiceName = viper.GetString("service-name")
	}
	if viper.IsSet("username") {
		conf.Username = viper.GetString("username")
	}
	if viper.IsSet("password") {
		conf.Password = viper.GetString("password")
	}
	if viper.IsSet("db") {
		conf.DB = viper.GetInt("db")
	}
	if viper.IsSet("protocol") {
		conf.Protocol = viper.GetInt("protocol")
	}
	if viper.IsSet("connect-timeout") {
		conf.ConnectTimeout = viper.GetDuration("connect-timeout")
	}
	if viper.IsSet("command-timeout") {
		conf.CommandTimeout = viper.GetDuration("command-timeout")
	}
	if viper.IsSet("log-level") {
		conf.LogLevel = viper.GetString("log-level")
	}
}

type session struct {
	conf *env.Config
	log  *zap.Logger
	mux  *client.Multiplexer
}

// connect loads the settings and opens a multiplexer with them.
func connect(ctx context.Context) (*session, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	overrideConfig(conf)

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, err
	}

	opts, err := conf.ClientOptions()
	if err != nil {
		return nil, err
	}

	opts.Log = log
	opts.OnConnectionFailed = func(e client.ConnectionEvent) {
		log.Warn("Connection failed", zap.String("addr", e.Addr), zap.Stringer("role", e.Role), zap.Error(e.Err))
	}

	mux, err := client.Open(ctx, opts)
	if err != nil {
		return nil, err
	}

	return &session{conf: conf, log: log, mux: mux}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.mux.Close(ctx); err != nil {
		s.log.Warn("Multiplexer forced to close", zap.Error(err))
	}

	_ = s.log.Sync()
}

// server picks the server at addr, or the first primary when addr is empty.
func (s *session) server(addr string) (*client.Server, error) {
	if addr != "" {
		return s.mux.Server(addr)
	}

	servers := s.mux.Servers()
	for _, srv := range servers {
		if !srv.IsReplica() {
			return srv, nil
		}
	}

	if len(servers) > 0 {
		return servers[0], nil
	}

	return nil, client.ErrNoEndpoints
}

// runContext is cancelled by an interrupt.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
