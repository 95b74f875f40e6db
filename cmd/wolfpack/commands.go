package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/wolfpack-game/wolfpack/internal/auth"
	"github.com/wolfpack-game/wolfpack/internal/history"
	"github.com/wolfpack-game/wolfpack/internal/httpapi"
)

// client returns an API client authenticated as cfg.user, logging in with
// the password when no token was given.
func (c *Config) client(ctx context.Context, log *zap.Logger) (*httpapi.Client, error) {
	if err := c.needUser(); err != nil {
		return nil, err
	}
	var tok *oauth2.Token
	if c.token != "" {
		tok = &oauth2.Token{AccessToken: c.token, RefreshToken: c.refreshToken, TokenType: "Bearer"}
	}
	sess, err := auth.NewSession(c.api, auth.User{Username: c.user}, tok)
	if err != nil {
		return nil, err
	}
	api := httpapi.NewClient(sess, log)
	if tok != nil {
		return api, nil
	}

	sess, err = api.Login(ctx, c.user, c.password)
	if err != nil {
		return nil, err
	}
	return httpapi.NewClient(sess, log), nil
}

func (c *Config) openHistory(log *zap.Logger) (*history.Store, error) {
	if c.historyDSN == "" {
		return nil, nil
	}
	return history.Open(c.historyDriver, c.historyDSN, log)
}

// withLogger runs fn with a logger built from cfg and flushes it after.
func withLogger(cfg *Config, fn func(log *zap.Logger) error) error {
	log, err := cfg.logger()
	if err != nil {
		return err
	}
	defer func() {
		// Syncing stderr fails on some terminals; that is not worth reporting.
		_ = log.Sync()
	}()
	return fn(log)
}

func loginCmd(cfg *Config) *cobra.Command {
	var register bool
	var email string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print tokens for a .env file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.user == "" || cfg.password == "" {
				return fmt.Errorf("login needs --user and --password")
			}
			return withLogger(cfg, func(log *zap.Logger) error {
				anon, err := auth.NewSession(cfg.api, auth.User{}, nil)
				if err != nil {
					return err
				}
				api := httpapi.NewClient(anon, log)

				var sess *auth.Session
				if register {
					sess, err = api.Register(cmd.Context(), httpapi.RegisterRequest{Username: cfg.user, Email: email, Password: cfg.password})
				} else {
					sess, err = api.Login(cmd.Context(), cfg.user, cfg.password)
				}
				if err != nil {
					return err
				}
				access, err := sess.AccessToken()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "WOLFPACK_USER=%s\n", sess.Username())
				fmt.Fprintf(out, "WOLFPACK_TOKEN=%s\n", access)
				if refresh := sess.RefreshToken(); refresh != "" {
					fmt.Fprintf(out, "WOLFPACK_REFRESH_TOKEN=%s\n", refresh)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&register, "register", false, "create the account first")
	cmd.Flags().StringVar(&email, "email", "", "email for --register")
	return cmd
}

func createCmd(cfg *Config) *cobra.Command {
	var req httpapi.CreateRoomRequest

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room and print its code.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RoomName = args[0]
			return withLogger(cfg, func(log *zap.Logger) error {
				api, err := cfg.client(cmd.Context(), log)
				if err != nil {
					return err
				}
				room, err := api.CreateRoom(cmd.Context(), req)
				if err != nil {
					return err
				}
				printRoom(cmd.OutOrStdout(), room)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&req.MaxPlayers, "max-players", 8, "maximum players in the room")
	cmd.Flags().IntVar(&req.TotalRounds, "rounds", 3, "rounds in a game")
	return cmd
}

func joinCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room and list who is in it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(cfg, func(log *zap.Logger) error {
				api, err := cfg.client(cmd.Context(), log)
				if err != nil {
					return err
				}
				room, err := api.JoinRoom(cmd.Context(), strings.ToUpper(args[0]))
				if err != nil {
					return err
				}
				printRoom(cmd.OutOrStdout(), room)
				return nil
			})
		},
	}
}

func shareCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "share <room>",
		Short: "Print the join link of a room as text and QR code.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := joinLink(cfg.web, args[0])
			if err != nil {
				return err
			}
			qr, err := qrcode.New(link, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("qr code: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, link)
			fmt.Fprint(out, qr.ToSmallString(false))
			return nil
		},
	}
}

func historyCmd(cfg *Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished games recorded locally.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.historyDSN == "" {
				return fmt.Errorf("history is disabled, set --history-dsn")
			}
			return withLogger(cfg, func(log *zap.Logger) (err error) {
				store, err := cfg.openHistory(log)
				if err != nil {
					return err
				}
				defer func() { err = multierr.Append(err, store.Close()) }()

				games, err := store.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				printHistory(cmd.OutOrStdout(), games)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of games to show")
	return cmd
}

func joinLink(web, room string) (string, error) {
	u, err := url.Parse(strings.TrimRight(web, "/"))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid --web: %q", web)
	}
	u.Path += "/join/" + url.PathEscape(strings.ToUpper(room))
	return u.String(), nil
}

func printRoom(w io.Writer, room httpapi.RoomDetails) {
	fmt.Fprintf(w, "room %s (%s), host %s, %d/%d players\n",
		room.RoomCode, room.RoomName, room.Host, len(room.CurrentPlayers), room.MaxPlayers)
	for _, p := range room.CurrentPlayers {
		fmt.Fprintf(w, "  %s\n", p.Username)
	}
}

func printHistory(w io.Writer, games []history.Game) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDED\tROOM\tROUNDS\tWINNERS\tSCORES")
	for _, g := range games {
		scores := make([]string, 0, len(g.Players))
		for _, p := range g.Players {
			scores = append(scores, fmt.Sprintf("%s:%d", p.Username, p.TotalScore))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			g.EndedAt.Local().Format("2006-01-02 15:04"), g.Room, g.TotalRounds,
			strings.Join(g.Winners, ","), strings.Join(scores, " "))
	}
	_ = tw.Flush()
}
