package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/browser"
	"tab-session-sync/pkg/controller"
	"tab-session-sync/pkg/store"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session>",
		Short: "Follow live changes and presence of a session until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toaster := controller.LogToaster{Logger: pslog.Ctx(cmd.Context())}
			return withClient(cmd, toaster, func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				if _, err := c.ctl.Open(ctx, s.ID); err != nil {
					return err
				}
				defer c.ctl.Close(s.ID)

				events, cancel := c.store.Subscribe()
				defer cancel()
				done := make(chan error, 1)
				go func() { done <- c.ctl.Run(ctx) }()

				out := cmd.OutOrStdout()
				current, _ := c.store.Session(s.ID)
				printSession(out, current)
				for {
					select {
					case err := <-done:
						return err
					case ev, ok := <-events:
						if !ok {
							return nil
						}
						switch ev.Type {
						case store.EventChanged:
							if ev.SessionID != s.ID {
								continue
							}
							if next, ok := c.store.Session(s.ID); ok {
								printSession(out, next)
							} else {
								fmt.Fprintln(out, "session was deleted")
								return nil
							}
						case store.EventFeed:
							c.log.Info("feed state", "session", ev.SessionID, "state", ev.FeedState)
						case store.EventPresence:
							names := make([]string, 0, len(ev.Presence))
							for _, m := range ev.Presence {
								name := m.Email
								if name == "" {
									name = m.UserID
								}
								names = append(names, name)
							}
							fmt.Fprintf(out, "online: %s\n", strings.Join(names, ", "))
						}
					}
				}
			})
		},
	}
}

func newCaptureCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Print the tabs the browser would save, without saving them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := browser.ParseScope(scope)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			drafts, err := browser.NewChrome(cfg.Chrome.CDPURL, pslog.Ctx(cmd.Context())).CaptureTabs(cmd.Context(), sc)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), drafts)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "window", "tabs to capture: window or all")
	return cmd
}
