package env_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/respmux/bridge"
	"github.com/luma/respmux/internal/env"
	"github.com/luma/respmux/protocol"
	"github.com/luma/respmux/topology"
)

func load(vars map[string]string) *env.Config {
	config, err := env.LoadConfigWith(context.Background(), envconfig.MapLookuper(vars))
	Expect(err).To(Succeed())
	return config
}

var _ = Describe("Config", func() {
	It("has defaults", func() {
		config := load(nil)

		Expect(config.Endpoints).To(Equal([]string{"127.0.0.1:6379"}))
		Expect(config.ConnectTimeout).To(Equal(5 * time.Second))
		Expect(config.QueueWhileDisconnected).To(BeTrue())
		Expect(config.LogLevel).To(Equal("info"))

		opts, err := config.ClientOptions()
		Expect(err).To(Succeed())
		Expect(opts.Mode).To(Equal(topology.Standalone))
		Expect(opts.BacklogPolicy).To(Equal(bridge.RejectNewest))
		Expect(opts.HeartbeatInterval).To(Equal(time.Second))
		Expect(opts.AbortOnConnectFail).To(BeTrue())
	})

	It("reads the environment", func() {
		config := load(map[string]string{
			"RESPMUX_ENDPOINTS":      "10.0.0.1:26379,10.0.0.2:26379",
			"RESPMUX_MODE":           "sentinel",
			"RESPMUX_SERVICE_NAME":   "mymaster",
			"RESPMUX_DB":             "2",
			"RESPMUX_PROTOCOL":       "2",
			"RESPMUX_BACKLOG_POLICY": "drop-oldest",
			"RESPMUX_COMMAND_TIMEOUT": "250ms",
		})

		opts, err := config.ClientOptions()
		Expect(err).To(Succeed())
		Expect(opts.Endpoints).To(Equal([]string{"10.0.0.1:26379", "10.0.0.2:26379"}))
		Expect(opts.Mode).To(Equal(topology.Sentinel))
		Expect(opts.ServiceName).To(Equal("mymaster"))
		Expect(opts.DefaultDB).To(Equal(2))
		Expect(opts.Protocol).To(Equal(protocol.RESP2))
		Expect(opts.BacklogPolicy).To(Equal(bridge.DropOldest))
		Expect(opts.CommandTimeout).To(Equal(250 * time.Millisecond))
	})

	It("rejects bad values", func() {
		for _, vars := range []map[string]string{
			{"RESPMUX_MODE": "mesh"},
			{"RESPMUX_BACKLOG_POLICY": "drop-newest"},
			{"RESPMUX_PROTOCOL": "4"},
			{"RESPMUX_MODE": "sentinel"},
		} {
			_, err := load(vars).ClientOptions()
			Expect(err).To(HaveOccurred(), "%v", vars)
		}
	})
})

var _ = Describe("MakeLogger", func() {
	It("builds a logger at the given level", func() {
		log, err := env.MakeLogger("warn")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(-1)).To(BeFalse())
	})

	It("rejects unknown levels", func() {
		_, err := env.MakeLogger("loud")
		Expect(err).To(HaveOccurred())
	})
})
