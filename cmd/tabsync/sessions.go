package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tab-session-sync/pkg/browser"
	"tab-session-sync/pkg/controller"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/store"
)

// printToaster 把提示写到 stderr，错误加前缀
func printToaster(w io.Writer) controller.Toaster {
	return controller.ToasterFunc(func(t controller.Toast) {
		if t.Level == store.LevelError {
			fmt.Fprintln(w, "error:", t.Text)
			return
		}
		fmt.Fprintln(w, t.Text)
	})
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"s"},
		Short:   "Manage saved sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsCreateCmd(),
		newSessionsRenameCmd(),
		newSessionsStarCmd(true),
		newSessionsStarCmd(false),
		newSessionsDeleteCmd(),
		newSessionsRestoreCmd(),
		newSessionsAddTabCmd(),
		newSessionsEditTabCmd(),
		newSessionsRemoveTabCmd(),
		newSessionsShareCmd(),
		newSessionsJoinCmd(),
		newSessionsCollaboratorsCmd(),
	)
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var query, sortBy string
	var asJSON, asc, starred bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			field, ok := models.ParseSortField(sortBy)
			if !ok {
				return fmt.Errorf("unknown sort field %q (use updated_at, created_at or name)", sortBy)
			}
			opts := models.ListOptions{SortBy: field, Ascending: asc}
			if cmd.Flags().Changed("starred") {
				opts.Starred = &starred
			}
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				var sessions []models.Session
				switch {
				case query != "":
					sessions = c.store.Search(query)
				case opts.SortBy != models.SortUpdatedAt || asc || opts.Starred != nil:
					// 非默认排序直接问后端
					var err error
					if sessions, err = c.gateway.ListSessions(ctx, opts); err != nil {
						return err
					}
				default:
					sessions = c.store.Sessions()
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), sessions)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTAR\tKIND\tTABS\tSHARED\tUPDATED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, star(s.IsStarred), kind(s.IsWindowSession), tabCount(s), shared(s), s.UpdatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&query, "search", "s", "", "filter by name, tab title or url")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&sortBy, "sort", "updated_at", "sort by updated_at, created_at or name")
	cmd.Flags().BoolVar(&asc, "asc", false, "ascending order")
	cmd.Flags().BoolVar(&starred, "starred", false, "only starred sessions; --starred=false for unstarred")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session>",
		Short: "Show the tabs of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				if err := c.store.LoadTabs(ctx, s.ID); err != nil {
					return err
				}
				s, _ = c.store.Session(s.ID)
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), s)
				}
				printSession(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsCreateCmd() *cobra.Command {
	var scope string
	var urls []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Save the browser tabs, or the given urls, as a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				var (
					created models.Session
					err     error
				)
				if len(urls) > 0 {
					created, err = c.store.CreateSession(ctx, args[0], true, draftsOf(urls))
				} else {
					var sc browser.Scope
					if sc, err = browser.ParseScope(scope); err != nil {
						return err
					}
					created, err = c.ctl.SaveSession(ctx, sc, args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "window", "tabs to capture: window or all")
	cmd.Flags().StringArrayVar(&urls, "url", nil, "save these urls instead of capturing the browser (repeatable)")
	return cmd
}

func newSessionsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session> <name>",
		Short: "Rename a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				_, err = c.ctl.Rename(ctx, s.ID, args[1])
				return err
			})
		},
	}
}

func newSessionsStarCmd(starred bool) *cobra.Command {
	use, short := "star <session>", "Star a session"
	if !starred {
		use, short = "unstar <session>", "Remove the star of a session"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				if s.IsStarred == starred {
					return nil
				}
				_, err = c.ctl.ToggleStar(ctx, s.ID)
				return err
			})
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	var noUndo bool
	cmd := &cobra.Command{
		Use:   "delete <session>",
		Short: "Delete a session, offering undo for a few seconds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				token, err := c.ctl.Delete(ctx, s.ID)
				if err != nil {
					return err
				}
				if noUndo {
					return nil
				}
				return offerUndo(ctx, cmd, c, token)
			})
		},
	}
	cmd.Flags().BoolVar(&noUndo, "no-undo", false, "do not wait for an undo")
	return cmd
}

func newSessionsRestoreCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "restore <session>",
		Short: "Open the tabs of a session in new browser windows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				if dryRun {
					plan, err := c.store.RestorePlan(ctx, s.ID)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), plan)
				}
				_, err = c.ctl.Restore(ctx, s.ID)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the restore plan instead of opening windows")
	return cmd
}

func newSessionsAddTabCmd() *cobra.Command {
	var url, title string
	cmd := &cobra.Command{
		Use:   "add-tab <session>",
		Short: "Add the current browser tab, or --url, to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				var tab models.Tab
				if url == "" {
					tab, err = c.ctl.SaveCurrentTab(ctx, s.ID)
				} else {
					if title == "" {
						title = url
					}
					tab, err = c.store.AddTab(ctx, s.ID, models.TabDraft{Title: title, URL: url})
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tab.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "url to add instead of the current tab")
	cmd.Flags().StringVar(&title, "title", "", "title for --url")
	return cmd
}

func newSessionsEditTabCmd() *cobra.Command {
	var url, title string
	cmd := &cobra.Command{
		Use:   "edit-tab <session> <tab-id>",
		Short: "Change the title or url of a saved tab",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.TabPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("url") {
				patch.URL = &url
			}
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				if err := c.store.LoadTabs(ctx, s.ID); err != nil {
					return err
				}
				_, err = c.store.UpdateTab(ctx, args[1], patch)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "new url")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	return cmd
}

func newSessionsRemoveTabCmd() *cobra.Command {
	var noUndo bool
	cmd := &cobra.Command{
		Use:   "rm-tab <session> <tab-id>",
		Short: "Remove a tab from a session, offering undo for a few seconds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				if err := c.store.LoadTabs(ctx, s.ID); err != nil {
					return err
				}
				token, err := c.ctl.DeleteTab(ctx, args[1])
				if err != nil {
					return err
				}
				if noUndo {
					return nil
				}
				return offerUndo(ctx, cmd, c, token)
			})
		},
	}
	cmd.Flags().BoolVar(&noUndo, "no-undo", false, "do not wait for an undo")
	return cmd
}

func newSessionsShareCmd() *cobra.Command {
	var role string
	var expires time.Duration
	cmd := &cobra.Command{
		Use:   "share <session>",
		Short: "Create an invite code for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				var expiresAt *time.Time
				if expires > 0 {
					at := time.Now().Add(expires)
					expiresAt = &at
				}
				inv, err := c.gateway.CreateInvite(ctx, s.ID, models.Role(strings.ToUpper(role)), expiresAt)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), inv.Code)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(models.RoleViewer), "EDITOR or VIEWER")
	cmd.Flags().DurationVar(&expires, "expires", 7*24*time.Hour, "invite lifetime, 0 for none")
	return cmd
}

func newSessionsJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <invite-code>",
		Short: "Join a shared session with an invite code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				collab, err := c.gateway.AcceptInvite(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "joined %s as %s\n", collab.SessionID, collab.Role)
				return c.store.Load(ctx)
			})
		},
	}
}

func newSessionsCollaboratorsCmd() *cobra.Command {
	var remove, add, role string
	cmd := &cobra.Command{
		Use:   "collaborators <session>",
		Short: "List the collaborators of a session, or change them with --add/--remove",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, printToaster(cmd.ErrOrStderr()), func(ctx context.Context, c *client) error {
				s, err := c.resolve(args[0])
				if err != nil {
					return err
				}
				if remove != "" {
					return c.gateway.RemoveCollaborator(ctx, s.ID, remove)
				}
				if add != "" {
					collab, err := c.gateway.AddCollaborator(ctx, s.ID, add, models.Role(strings.ToUpper(role)))
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "added %s as %s\n", collab.UserID, collab.Role)
					return nil
				}
				collabs, err := c.gateway.ListCollaborators(ctx, s.ID)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tROLE\tADDED")
				for _, col := range collabs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", col.UserID, col.Role, col.AddedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&remove, "remove", "", "user id to remove")
	cmd.Flags().StringVar(&add, "add", "", "user id to add")
	cmd.Flags().StringVar(&role, "role", string(models.RoleViewer), "role for --add, EDITOR or VIEWER")
	cmd.MarkFlagsMutuallyExclusive("add", "remove")
	return cmd
}

// offerUndo waits until the undo window closes for the user to type "u".
func offerUndo(ctx context.Context, cmd *cobra.Command, c *client, token *store.UndoToken) error {
	if token == nil {
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s deleted, type u and Enter before %s to undo\n", token.Label, token.ExpiresAt.Local().Format(time.TimeOnly))

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		lines <- strings.TrimSpace(line)
	}()
	timer := time.NewTimer(time.Until(token.ExpiresAt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	case line := <-lines:
		if line != "u" && line != "undo" {
			return nil
		}
		if err := c.ctl.Undo(ctx, token.ID); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "restored")
		return nil
	}
}

func draftsOf(urls []string) []models.TabDraft {
	drafts := make([]models.TabDraft, 0, len(urls))
	for i, u := range urls {
		drafts = append(drafts, models.TabDraft{Title: u, URL: u, TabIndex: i})
	}
	return drafts
}

func printSession(w io.Writer, s models.Session) {
	fmt.Fprintf(w, "%s  %s  %s %s\n", s.ID, s.Name, star(s.IsStarred), kind(s.IsWindowSession))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAB\tWIN\tTITLE\tURL")
	for _, t := range s.Tabs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", t.ID, t.WindowIndex, t.Title, t.URL)
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func star(starred bool) string {
	if starred {
		return "*"
	}
	return "-"
}

func kind(isWindow bool) string {
	if isWindow {
		return "window"
	}
	return "all"
}

func tabCount(s models.Session) string {
	if s.Tabs == nil {
		return "?"
	}
	return fmt.Sprint(len(s.Tabs))
}

// shared 自己的会话显示协作者数量，别人的会话显示 "in"
func shared(s models.Session) string {
	if !s.IsOwner {
		return "in"
	}
	if s.CollaboratorCount == 0 {
		return "-"
	}
	return fmt.Sprint(s.CollaboratorCount)
}
