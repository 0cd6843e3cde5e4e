package env

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/client"
	"github.com/luma/respmux/protocol"
	"github.com/luma/respmux/topology"
)

type Config struct {
	Endpoints   []string `env:"RESPMUX_ENDPOINTS,default=127.0.0.1:6379"`
	Mode        string   `env:"RESPMUX_MODE,default=standalone"`
	ServiceName string   `env:"RESPMUX_SERVICE_NAME"`

	Username   string `env:"RESPMUX_USERNAME"`
	Password   string `env:"RESPMUX_PASSWORD"`
	ClientName string `env:"RESPMUX_CLIENT_NAME"`

	SentinelUsername string `env:"RESPMUX_SENTINEL_USERNAME"`
	SentinelPassword string `env:"RESPMUX_SENTINEL_PASSWORD"`

	DB       int `env:"RESPMUX_DB"`
	Protocol int `env:"RESPMUX_PROTOCOL"`

	ConnectTimeout     time.Duration `env:"RESPMUX_CONNECT_TIMEOUT,default=5s"`
	CommandTimeout     time.Duration `env:"RESPMUX_COMMAND_TIMEOUT,default=5s"`
	AbortOnConnectFail bool          `env:"RESPMUX_ABORT_ON_CONNECT_FAIL,default=true"`

	QueueWhileDisconnected bool   `env:"RESPMUX_QUEUE_WHILE_DISCONNECTED,default=true"`
	BacklogCapacity        int    `env:"RESPMUX_BACKLOG_CAPACITY,default=1024"`
	BacklogPolicy          string `env:"RESPMUX_BACKLOG_POLICY,default=reject-newest"`
	ReplayOnReconnect      bool   `env:"RESPMUX_REPLAY_ON_RECONNECT"`

	HeartbeatInterval time.Duration `env:"RESPMUX_HEARTBEAT_INTERVAL,default=1s"`
	HeartbeatMisses   int           `env:"RESPMUX_HEARTBEAT_MISSES,default=3"`

	LogLevel  string `env:"RESPMUX_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"RESPMUX_DEBUG_HTTP"`
}

// LoadConfig reads .env.local, if there is one, then the RESPMUX_* variables.
func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return LoadConfigWith(ctx, envconfig.OsLookuper())
}

// LoadConfigWith reads the config from l instead of the environment.
func LoadConfigWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &config, l); err != nil {
		return nil, err
	}

	return &config, nil
}

func ParseMode(s string) (topology.Mode, error) {
	switch strings.ToLower(s) {
	case "", "standalone":
		return topology.Standalone, nil
	case "cluster":
		return topology.Cluster, nil
	case "sentinel":
		return topology.Sentinel, nil
	}

	return 0, fmt.Errorf("unknown mode %q, expected standalone, cluster or sentinel", s)
}

func ParsePolicy(s string) (bridge.Policy, error) {
	switch strings.ToLower(s) {
	case "", "reject-newest":
		return bridge.RejectNewest, nil
	case "drop-oldest":
		return bridge.DropOldest, nil
	}

	return 0, fmt.Errorf("unknown backlog policy %q, expected reject-newest or drop-oldest", s)
}

// ClientOptions turns the config into multiplexer options.
func (c *Config) ClientOptions() (client.Options, error) {
	mode, err := ParseMode(c.Mode)
	if err != nil {
		return client.Options{}, err
	}

	policy, err := ParsePolicy(c.BacklogPolicy)
	if err != nil {
		return client.Options{}, err
	}

	if c.Protocol != 0 && c.Protocol != int(protocol.RESP2) && c.Protocol != int(protocol.RESP3) {
		return client.Options{}, fmt.Errorf("unsupported protocol %d, expected 2 or 3", c.Protocol)
	}

	if mode == topology.Sentinel && c.ServiceName == "" {
		return client.Options{}, fmt.Errorf("sentinel mode needs a service name")
	}

	return client.Options{
		Endpoints:              c.Endpoints,
		Mode:                   mode,
		ServiceName:            c.ServiceName,
		Username:               c.Username,
		Password:               c.Password,
		SentinelUsername:       c.SentinelUsername,
		SentinelPassword:       c.SentinelPassword,
		ClientName:             c.ClientName,
		DefaultDB:              c.DB,
		Protocol:               protocol.Protocol(c.Protocol),
		ConnectTimeout:         c.ConnectTimeout,
		CommandTimeout:         c.CommandTimeout,
		AbortOnConnectFail:     c.AbortOnConnectFail,
		QueueWhileDisconnected: c.QueueWhileDisconnected,
		BacklogCapacity:        c.BacklogCapacity,
		BacklogPolicy:          policy,
		ReplayOnReconnect:      c.ReplayOnReconnect,
		HeartbeatInterval:      c.HeartbeatInterval,
		HeartbeatMisses:        c.HeartbeatMisses,
	}, nil
}
