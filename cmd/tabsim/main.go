package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/example/workout-engagement/internal/types"
)

func main() {
	var (
		addr    string
		session string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "tabsim",
		Short: "Simulate several browser tabs on one workout session",
		Long: `tabsim opens websocket "tabs" against a running engagement server and
checks that every tab settles on the same like and comment totals.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = time.RFC3339Nano
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
		},
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "ws://localhost:8080/ws", "websocket address of the engagement server")
	rootCmd.PersistentFlags().StringVar(&session, "session", "session-demo", "workout session id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(createRunCmd(&addr, &session))
	rootCmd.AddCommand(createWatchCmd(&addr, &session))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createRunCmd(addr, session *string) *cobra.Command {
	var (
		tabs    int
		comment bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Toggle a like from every tab and wait for convergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := simulate(ctx, simConfig{
				Addr:    *addr,
				Session: types.EntityID(*session),
				Tabs:    tabs,
				Comment: comment,
				Timeout: timeout,
			}, log.Logger)
			if err != nil && !errors.Is(err, errNotConverged) {
				return err
			}
			printReport(report)
			return err
		},
	}

	cmd.Flags().IntVarP(&tabs, "tabs", "n", 4, "number of tabs to open")
	cmd.Flags().BoolVar(&comment, "comment", false, "also post one comment from every tab")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for convergence")
	return cmd
}

func createWatchCmd(addr, session *string) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every state pushed to one tab until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dialer := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
			t, err := dialTab(ctx, dialer, *addr, types.EntityID(*session), "watch", types.ActorID(actor))
			if err != nil {
				return err
			}
			defer t.close()
			go t.readLoop(log.Logger)

			color.Cyan("watching session %s", *session)
			seenErrors := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.done:
					color.Yellow("connection closed by server")
					return nil
				case <-t.changed:
				}
				st, ok := t.state()
				if ok {
					fmt.Printf("%s likes=%s comments=%s loaded=%d more=%t\n",
						time.Now().Format("15:04:05.000"),
						formatCount(st.Likes), formatCount(st.Comments), len(st.Items), st.HasMore)
				}
				_, errs := t.stats()
				for _, e := range errs[seenErrors:] {
					color.Red("error: %s", e)
				}
				seenErrors = len(errs)
			}
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor id (uuid) to watch as; anonymous when empty")
	return cmd
}

func formatCount(st types.EngagementState) string {
	s := fmt.Sprintf("%d", st.Count)
	if st.Mine {
		s += "*"
	}
	if !st.Ready {
		s += "?"
	}
	return s
}

func printReport(r simReport) {
	fmt.Printf("session %s: want likes=%d comments=%d\n", r.Session, r.WantLikes, r.WantComments)
	for _, t := range r.Tabs {
		line := fmt.Sprintf("  %-7s %s likes=%-5s comments=%-5s updates=%d",
			t.Name, t.Actor, formatCount(t.Likes), formatCount(t.Comments), t.Updates)
		if t.Matched {
			color.Green("%s", line)
		} else {
			color.Red("%s", line)
		}
		for _, e := range t.Errors {
			color.Yellow("    %s", e)
		}
	}
	if r.Converged {
		color.Green("converged in %s", r.Elapsed.Round(time.Millisecond))
		return
	}
	color.Red("not converged after %s", r.Elapsed.Round(time.Millisecond))
}
