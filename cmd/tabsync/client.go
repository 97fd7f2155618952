package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/browser"
	"tab-session-sync/pkg/config"
	"tab-session-sync/pkg/controller"
	"tab-session-sync/pkg/gateway"
	"tab-session-sync/pkg/models"
	"tab-session-sync/pkg/realtime"
	"tab-session-sync/pkg/store"
)

// client 一次命令用到的客户端组件
type client struct {
	cfg     *config.Config
	creds   *auth.Manager
	gateway *gateway.RESTGateway
	feed    *realtime.Client
	store   *store.Store
	ctl     *controller.Controller
	log     pslog.Logger

	stopAuth func()
}

// newClient wires config, credentials, gateway, feed, store and controller,
// then signs in with the configured access token, which loads the session list.
func newClient(cmd *cobra.Command, toaster controller.Toaster) (*client, error) {
	ctx := cmd.Context()
	logger := pslog.Ctx(ctx)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("no access token: run `tabsync token` and export TABSYNC_ACCESS_TOKEN")
	}
	userID, email, err := auth.UserIDFromToken(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	creds := auth.NewManager()
	gw := gateway.New(cfg.BackendURL, cfg.APIKey, creds, gateway.Options{
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	})
	feed := realtime.NewClient(cfg.RealtimeURL, creds, realtime.Options{
		APIKey:        cfg.APIKey,
		BackoffBase:   cfg.Feed.BackoffBase,
		BackoffMax:    cfg.Feed.BackoffMax,
		DegradedAfter: cfg.Feed.DegradedAfter,
		Heartbeat:     cfg.Feed.Heartbeat,
		Logger:        logger,
	})
	st := store.New(gw, feed, store.Options{
		UndoWindow: cfg.UndoWindow,
		Logger:     logger,
		Presence:   &models.PresenceUser{UserID: userID, Email: email},
	})
	var b browser.Controller
	if cfg.Chrome.CDPURL != "" {
		b = browser.NewChrome(cfg.Chrome.CDPURL, logger)
	}

	c := &client{
		cfg:     cfg,
		creds:   creds,
		gateway: gw,
		feed:    feed,
		store:   st,
		ctl:     controller.New(st, b, toaster, logger),
		log:     logger,
	}

	var loadErr error
	c.stopAuth = creds.OnChange(func(cred *models.Credential) {
		loadErr = st.HandleCredentialChange(ctx, cred)
	})
	if _, err := creds.SignIn(cfg.AccessToken); err != nil {
		c.Close()
		return nil, err
	}
	if loadErr != nil {
		c.Close()
		return nil, fmt.Errorf("load sessions: %w", loadErr)
	}
	return c, nil
}

// Close signs out and closes every feed subscription.
func (c *client) Close() {
	c.creds.SignOut()
	c.stopAuth()
	if err := c.feed.Close(); err != nil {
		c.log.Debug("feed close", "err", err)
	}
}

// resolve finds a session by id or, failing that, by exact name.
func (c *client) resolve(ref string) (models.Session, error) {
	if s, ok := c.store.Session(ref); ok {
		return s, nil
	}
	var found []models.Session
	for _, s := range c.store.Sessions() {
		if s.Name == ref {
			found = append(found, s)
		}
	}
	switch len(found) {
	case 0:
		return models.Session{}, models.NewError(models.KindNotFound, "resolve session", fmt.Sprintf("no session %q", ref), nil)
	case 1:
		return found[0], nil
	default:
		return models.Session{}, models.NewError(models.KindInvalid, "resolve session", fmt.Sprintf("%d sessions are named %q, use the id", len(found), ref), nil)
	}
}

func withClient(cmd *cobra.Command, toaster controller.Toaster, fn func(ctx context.Context, c *client) error) error {
	c, err := newClient(cmd, toaster)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}
