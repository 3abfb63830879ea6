package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/jadypamella/natively-case/internal/channel"
	"github.com/jadypamella/natively-case/internal/config"
	"github.com/jadypamella/natively-case/internal/format"
	"github.com/jadypamella/natively-case/internal/logging"
)

var (
	serverURL  string
	token      string
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "previewctl",
	Short:         "Drive and watch preview sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PREVIEW_SERVER", "http://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("PREVIEW_TOKEN"), "API token")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file for client settings")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log reconnects and transport errors")

	rootCmd.AddCommand(
		newChatCmd(),
		newStatusCmd(),
		newSessionsCmd(),
		newWatchCmd(),
		newCloseCmd(),
		newDeleteCmd(),
		newHealthCmd(),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "previewctl: %v\n", err)
		os.Exit(1)
	}
}

func newChatCmd() *cobra.Command {
	var (
		sessionID string
		watch     bool
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Start a session, or attach to one, and send the first message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := channel.NewHTTPClient(serverURL, token)
			st, created, err := client.Chat(cmd.Context(), sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.ErrOrStderr(), "attached to existing session %s\n", st.SessionID)
			}
			if !watch {
				return format.WriteStatus(cmd.OutOrStdout(), st, "")
			}
			return watchSession(cmd, st, watchOptions{raw: raw, untilIdle: true})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (generated when empty)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream events until the turn completes")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print events as JSON lines")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var outFormat string
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := channel.NewHTTPClient(serverURL, token).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return format.WriteStatus(cmd.OutOrStdout(), st, outFormat)
		},
	}
	cmd.Flags().StringVar(&outFormat, "format", "table", "Output format: table or json")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var (
		outFormat string
		noHeader  bool
	)
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List sessions, most recently active first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := channel.NewHTTPClient(serverURL, token).Sessions(cmd.Context())
			if err != nil {
				return err
			}
			return format.WriteSessions(cmd.OutOrStdout(), items, !noHeader, outFormat)
		},
	}
	cmd.Flags().StringVar(&outFormat, "format", "table", "Output format: table, plain, json or jsonl")
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "Omit the header row")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var (
		raw         bool
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream a session's events until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := channel.NewHTTPClient(serverURL, token).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			opts := watchOptions{raw: raw}
			if interactive {
				opts.prompts = cmd.InOrStdin()
			}
			return watchSession(cmd, st, opts)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print events as JSON lines")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Send each line read from stdin as a new turn")
	return cmd
}

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Complete a session and stop its preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := channel.NewHTTPClient(serverURL, token).Close(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return format.WriteStatus(cmd.OutOrStdout(), st, "")
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Remove a session and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := channel.NewHTTPClient(serverURL, token).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	var outFormat string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := channel.NewHTTPClient(serverURL, token).Health(cmd.Context())
			if err != nil {
				return err
			}
			if err := format.WriteHealth(cmd.OutOrStdout(), h, outFormat); err != nil {
				return err
			}
			if h.Status != "healthy" {
				return fmt.Errorf("server is %s", h.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outFormat, "format", "text", "Output format: text or json")
	return cmd
}

type watchOptions struct {
	raw bool
	// untilIdle stops once the session waits for input again.
	untilIdle bool
	// prompts, when set, is read line by line and each line sent as a turn.
	prompts io.Reader
}

func watchSession(cmd *cobra.Command, st channel.Status, opts watchOptions) error {
	if st.ChannelEndpoint == "" {
		return fmt.Errorf("session %s has no channel endpoint", st.SessionID)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Discard()
	if verbose {
		if logger, err = logging.New(cmd.ErrOrStderr(), "debug", "auto"); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ch := channel.New(st.ChannelEndpoint, channel.Options{
		Token: token,
		Backoff: channel.Backoff{
			Base: cfg.Client.ReconnectBase,
			Max:  cfg.Client.ReconnectMax,
		},
		Logger: logger,
	})
	if opts.prompts != nil {
		go sendPrompts(ctx, ch, opts.prompts, logger)
	}

	out := cmd.OutOrStdout()
	width := 80
	if f, ok := out.(*os.File); ok {
		width = format.Width(f)
	}
	printer := format.NewEventPrinter(out, width, opts.raw)

	var terminal channel.Message
	err = ch.Run(ctx, func(m channel.Message) {
		if err := printer.Print(m); err != nil {
			cancel()
			return
		}
		if m.Terminal() {
			terminal = m
		}
		if opts.untilIdle && m.Event == "turn_complete" {
			cancel()
		}
	})
	_ = printer.Finish()

	if errors.Is(err, context.Canceled) && cmd.Context().Err() == nil {
		err = nil
	}
	if err != nil {
		return err
	}
	if terminal.Event == channel.EventSessionFailed {
		return fmt.Errorf("session %s failed: %s", st.SessionID, format.Summarize(terminal))
	}
	return nil
}

func sendPrompts(ctx context.Context, ch *channel.Channel, r io.Reader, logger *log.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := ch.Send(line); err != nil {
			logger.Warn("prompt not sent", "err", err)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
