package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wolfpack-game/wolfpack/internal/engine"
	"github.com/wolfpack-game/wolfpack/internal/httpapi"
	"github.com/wolfpack-game/wolfpack/internal/hub"
	"github.com/wolfpack-game/wolfpack/internal/lobby"
	"github.com/wolfpack-game/wolfpack/internal/ws"
)

var errLobbyClosed = errors.New("game connection ended")

const httpTimeout = 10 * time.Second

func playCmd(cfg *Config) *cobra.Command {
	var start, leave bool

	cmd := &cobra.Command{
		Use:   "play <room>",
		Short: "Play in a room from the terminal.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room := strings.ToUpper(args[0])
			return withLogger(cfg, func(log *zap.Logger) error {
				return play(cmd.Context(), cfg, log, playArgs{
					room:  room,
					start: start,
					leave: leave,
					in:    cmd.InOrStdin(),
					out:   cmd.OutOrStdout(),
				})
			})
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "start the game before connecting (host only)")
	cmd.Flags().BoolVar(&leave, "leave", false, "leave the room when quitting")
	return cmd
}

type playArgs struct {
	room  string
	start bool
	leave bool
	in    io.Reader
	out   io.Writer
}

func play(ctx context.Context, cfg *Config, log *zap.Logger, a playArgs) (err error) {
	api, err := cfg.client(ctx, log)
	if err != nil {
		return err
	}
	store, err := cfg.openHistory(log)
	if err != nil {
		return err
	}
	var rec lobby.Recorder
	if store != nil {
		rec = store
		defer func() { err = multierr.Append(err, store.Close()) }()
	}

	if a.start {
		if err := api.StartGame(ctx, a.room); err != nil {
			return fmt.Errorf("start game: %w", err)
		}
	}

	h := hub.NewHub(ctx, lobbyFactory(cfg, log, api, rec), log)
	defer h.Shutdown()

	lb, err := h.Ensure(ctx, a.room)
	if err != nil {
		return err
	}

	views := make(chan lobby.View, 64)
	lb.Inbox() <- lobby.Join{ClientID: uuid.NewString(), Outbox: views}

	lines := make(chan string)
	go readLines(a.in, lines)

	fmt.Fprintln(a.out, "type help for commands")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return render(gctx, a.out, views) })
	g.Go(func() error { return commands(gctx, lb, lines, a.out) })

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		err = nil
	}

	if a.leave {
		// The caller's ctx may already be cancelled by the signal.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpTimeout)
		defer cancel()
		err = multierr.Append(err, api.LeaveRoom(lctx, a.room))
	}
	return err
}

func lobbyFactory(cfg *Config, log *zap.Logger, api *httpapi.Client, rec lobby.Recorder) hub.Factory {
	sess := api.Session()
	me := sess.Username()
	if me == "" {
		me = cfg.user
	}

	return func(ctx context.Context, code string) (*lobby.Lobby, error) {
		opts := ws.DefaultOptions()
		opts.Player = me
		opts.Logger = log
		m := ws.NewManager(ctx, func() (string, error) { return sess.GameURL(code) }, opts)

		lcfg := lobby.Config{
			Room:       code,
			Me:         me,
			Rules:      engine.Rules{RankingSec: cfg.rankingSeconds},
			RetryDelay: cfg.retryDelay,
			Logger:     log,
		}
		return lobby.NewLobby(ctx, lcfg, m, api, rec), nil
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func render(ctx context.Context, w io.Writer, views <-chan lobby.View) error {
	var prev lobby.View
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-views:
			if !ok {
				return errLobbyClosed
			}
			for _, line := range changes(prev, v) {
				fmt.Fprintln(w, line)
			}
			prev = v
		}
	}
}

func commands(ctx context.Context, lb *lobby.Lobby, lines <-chan string, w io.Writer) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = l
		}

		c, err := parseCommand(line)
		switch {
		case err != nil:
			fmt.Fprintln(w, err)
			continue
		case c.quit:
			return errQuit
		case c.help:
			fmt.Fprintln(w, helpText)
			continue
		case c.show:
			v, err := lb.View(ctx)
			if err != nil {
				return err
			}
			for _, line := range screen(v) {
				fmt.Fprintln(w, line)
			}
			continue
		case c.action == nil:
			continue
		}

		if err := lb.Perform(ctx, c.action); err != nil {
			if errors.Is(err, lobby.ErrShutdown) {
				return errLobbyClosed
			}
			fmt.Fprintln(w, "rejected:", err)
		}
	}
}
