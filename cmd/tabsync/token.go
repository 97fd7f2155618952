package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tab-session-sync/pkg/auth"
	"tab-session-sync/pkg/config"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	User        struct {
		ID string `json:"id"`
	} `json:"user"`
}

func newTokenCmd() *cobra.Command {
	var userID, email string
	var remote bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		Long: "Signs a token with server.jwt_secret, or asks the development backend " +
			"for one with --remote. Export it as TABSYNC_ACCESS_TOKEN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var resp tokenResponse
			if remote {
				resp, err = requestToken(cmd.Context(), cfg, userID, email)
			} else {
				resp, err = mintToken(cfg, userID, email)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.AccessToken)
			fmt.Fprintf(cmd.ErrOrStderr(), "user %s, expires %s\n", resp.User.ID, time.Unix(resp.ExpiresAt, 0).Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (generated by the backend when empty)")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().BoolVar(&remote, "remote", false, "request the token from the development backend")
	return cmd
}

func mintToken(cfg *config.Config, userID, email string) (tokenResponse, error) {
	var resp tokenResponse
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return resp, fmt.Errorf("--user is required unless --remote is set")
	}
	svc := auth.NewJWTService(cfg.Server.JWTSecret, auth.DefaultTokenTTL)
	token, expiresAt, err := svc.GenerateAccessToken(userID, email)
	if err != nil {
		return resp, fmt.Errorf("sign token: %w", err)
	}
	resp.AccessToken = token
	resp.ExpiresAt = expiresAt
	resp.User.ID = userID
	return resp, nil
}

func requestToken(ctx context.Context, cfg *config.Config, userID, email string) (tokenResponse, error) {
	var resp tokenResponse
	body, err := json.Marshal(map[string]string{"user_id": userID, "email": email})
	if err != nil {
		return resp, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BackendURL+"/auth/v1/token", bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return resp, fmt.Errorf("request token: %w", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return resp, err
	}
	if res.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("request token: %s: %s", res.Status, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("decode token response: %w", err)
	}
	return resp, nil
}
