package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luma/respmux/client"
	"github.com/luma/respmux/command"
	"github.com/luma/respmux/cursor"
	"github.com/luma/respmux/internal/meta"
	"github.com/luma/respmux/protocol"
)

var (
	// The server to send exec and scan to, empty picks a primary
	serverAddr string

	scanPattern  string
	scanCount    int
	scanCursor   uint64
	scanOffset   int
	scanMaxItems int
)

func init() {
	ExecCmd.Flags().StringVar(&serverAddr, "server", "", "Send the command to this server only")

	flags := ScanCmd.Flags()
	flags.StringVar(&serverAddr, "server", "", "The server to scan, defaults to a primary")
	flags.StringVar(&scanPattern, "pattern", "", "Only list keys matching this glob")
	flags.IntVar(&scanCount, "count", cursor.DefaultPageSize, "Keys to ask for per page")
	flags.Uint64Var(&scanCursor, "cursor", 0, "Resume from this cursor")
	flags.IntVar(&scanOffset, "offset", 0, "Skip this many keys of the first page")
	flags.IntVar(&scanMaxItems, "limit", 0, "Stop after this many keys, zero lists all")
}

var PingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping every known server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := runContext()
		defer stop()

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		out := cmd.OutOrStdout()
		for _, srv := range s.mux.Servers() {
			role := "primary"
			if srv.IsReplica() {
				role = "replica"
			}

			latency, err := srv.Ping(ctx)
			if err != nil {
				fmt.Fprintf(out, "%s\t%s\terror: %v\n", srv.Addr(), role, err)
				continue
			}

			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", srv.Addr(), role, srv.Version(), latency)
		}

		return nil
	},
}

var ExecCmd = &cobra.Command{
	Use:   "exec COMMAND [ARG...]",
	Short: "Run one command and print the reply",
	Long: `Run one command and print the reply

Usage
	respmux exec SET greeting hello
	respmux exec --server 10.0.0.2:6379 INFO replication
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := runContext()
		defer stop()

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		name := strings.ToUpper(args[0])
		cmdArgs := make([]interface{}, len(args)-1)
		for i, a := range args[1:] {
			cmdArgs[i] = a
		}

		var reply protocol.Frame
		if serverAddr != "" {
			var srv *client.Server
			if srv, err = s.mux.Server(serverAddr); err != nil {
				return err
			}

			reply, err = srv.Execute(ctx, name, cmdArgs...)
		} else {
			reply, err = s.mux.Execute(ctx, name, cmdArgs...)
		}

		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var ScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the keys of one server",
	Long: `List the keys of one server, one page at a time

An interrupted scan prints the cursor and offset to resume from.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := runContext()
		defer stop()

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		srv, err := s.server(serverAddr)
		if err != nil {
			return err
		}

		e := srv.Keys(command.DefaultDB, cursor.Options{
			Pattern:    scanPattern,
			PageSize:   scanCount,
			Cursor:     scanCursor,
			PageOffset: scanOffset,
		})

		out := cmd.OutOrStdout()
		n := 0
		for e.Next(ctx) {
			fmt.Fprintln(out, string(e.Value()))

			if n++; scanMaxItems > 0 && n >= scanMaxItems {
				break
			}
		}

		if err := e.Err(); err != nil || (scanMaxItems > 0 && n >= scanMaxItems) {
			fmt.Fprintf(cmd.ErrOrStderr(), "resume with --cursor %d --offset %d\n", e.Cursor(), e.PageOffset())
			return err
		}

		return nil
	},
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()

		fmt.Fprintln(cmd.OutOrStdout(), info)
		if info.BuildTime != "" {
			fmt.Fprintln(cmd.OutOrStdout(), "built", info.BuildTime)
		}
	},
}
