package lobby

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wolfpack-game/wolfpack/internal/engine"
	"github.com/wolfpack-game/wolfpack/internal/httpapi"
	"github.com/wolfpack-game/wolfpack/internal/ranking"
	"github.com/wolfpack-game/wolfpack/internal/types"
	"github.com/wolfpack-game/wolfpack/internal/ws"
)

var ErrNoRanking = errors.New("no ranking in progress")
var ErrRetryPending = errors.New("previous action is still being retried")
var ErrShutdown = errors.New("lobby shut down")

const maxActivity = 50

// Socket is the part of ws.Manager the lobby drives.
type Socket interface {
	Connect()
	Reconnect()
	Send(ctx context.Context, msg types.Outbound) error
	Events() <-chan ws.Event
	Close()
}

// StateSource answers game-state snapshots for resyncs.
type StateSource interface {
	GameState(ctx context.Context, code string) (httpapi.GameState, error)
}

// Recorder persists finished games. Optional.
type Recorder interface {
	Record(ctx context.Context, room string, stats engine.Statistics) error
}

type Config struct {
	Room  string
	Me    string
	Rules engine.Rules
	// RetryDelay is how long a send waits before its single retry.
	RetryDelay time.Duration
	// ResyncEvery throttles game-state fetches. Negative disables the throttle.
	ResyncEvery time.Duration
	// TickEvery is the countdown resolution, one second in play.
	TickEvery time.Duration
	Logger    *zap.Logger
}

func (c *Config) defaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ResyncEvery == 0 {
		c.ResyncEvery = 5 * time.Second
	}
	if c.TickEvery <= 0 {
		c.TickEvery = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type Msg interface{ isLobbyMsg() }

// Action is a user gesture. Actions that fail the role checks are rejected
// before anything goes on the wire.
type Action interface{ isAction() }

type Assign struct {
	Player   string
	Position int
}

type Unassign struct{ Position int }

type Submit struct{}

type StartRound struct{}

type Advance struct{}

type Reconnect struct{}

type DismissError struct{}

func (Assign) isAction()       {}
func (Unassign) isAction()     {}
func (Submit) isAction()       {}
func (StartRound) isAction()   {}
func (Advance) isAction()      {}
func (Reconnect) isAction()    {}
func (DismissError) isAction() {}

// Do runs an action on the lobby loop. Reply may be nil.
type Do struct {
	Action Action
	Reply  chan error
}

func (Do) isLobbyMsg() {}

type Join struct {
	ClientID string
	Outbox   chan View // where this client wants to receive views
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type resyncDone struct {
	state httpapi.GameState
	err   error
}

func (resyncDone) isLobbyMsg() {}

type Slot struct {
	Position int
	Player   string
}

// View is everything a screen needs, derived fresh for every broadcast.
type View struct {
	Version      int
	Room         string
	State        engine.State
	IsWolf       bool
	IsPackRanker bool
	IsHost       bool
	Connection   ws.State
	Attempts     int
	Error        string
	Slots        []Slot
	Unpositioned []string
	Activity     []string
	// ActivitySeq counts every activity entry ever added, so readers can
	// tell which entries are new after the feed was trimmed.
	ActivitySeq int
	NumClients  int
}

func (v View) Connected() bool { return v.Connection == ws.StateOpen }

type pendingSend struct {
	msg types.Outbound
	cmd engine.Command
}

type Lobby struct {
	cfg    Config
	log    *zap.Logger
	inbox  chan Msg
	sock   Socket
	events <-chan ws.Event
	api    StateSource
	rec    Recorder

	// recording tracks Record calls still running; shutdown waits for them.
	recording sync.WaitGroup

	state    engine.State
	store    *ranking.Store
	version  int
	clients  map[string]chan View
	activity []string
	seq      int

	connection ws.State
	attempts   int
	connErr    string
	sendErr    string

	ticker     *time.Ticker
	retry      *time.Timer
	pending    *pendingSend
	lastResync time.Time
	resyncing  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLobby(parent context.Context, cfg Config, sock Socket, api StateSource, rec Recorder) *Lobby {
	cfg.defaults()
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		cfg:        cfg,
		log:        cfg.Logger.With(zap.String("room", cfg.Room)),
		inbox:      make(chan Msg, 64), // Small buffer
		sock:       sock,
		events:     sock.Events(),
		api:        api,
		rec:        rec,
		state:      engine.NewState(cfg.Me, cfg.Rules),
		clients:    make(map[string]chan View),
		connection: ws.StateConnecting,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go l.loop()
	return l
}

// Expose the inbox so the CLI or tests can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed after the lobby shut down.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Close shuts the lobby down and waits for it.
func (l *Lobby) Close() {
	select {
	case l.inbox <- Shutdown{}:
	case <-l.done:
	}
	<-l.done
}

// Perform runs a and waits for its outcome.
func (l *Lobby) Perform(ctx context.Context, a Action) error {
	reply := make(chan error, 1)
	select {
	case l.inbox <- Do{Action: a, Reply: reply}:
	case <-l.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lobby) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case l.inbox <- GetState{Reply: reply}:
	case <-l.done:
		return View{}, ErrShutdown
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.done:
		return View{}, ErrShutdown
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (l *Lobby) post(m Msg) {
	select {
	case l.inbox <- m:
	case <-l.ctx.Done():
	}
}

func (l *Lobby) loop() {
	defer close(l.done)

	l.sock.Connect()
	l.requestResync()

	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case e, ok := <-l.events:
			if !ok {
				l.events = nil
				continue
			}
			l.onSocket(e)
			l.broadcast()

		case <-tickerC(l.ticker):
			l.apply(engine.Tick{})
			l.broadcast()

		case <-timerC(l.retry):
			l.retry = nil
			l.retrySend()
			l.broadcast()

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				// Register client + send current view immediately
				l.clients[msg.ClientID] = msg.Outbox
				msg.Outbox <- l.view()

			case Leave:
				delete(l.clients, msg.ClientID)

			case Do:
				err := l.perform(msg.Action)
				if msg.Reply != nil {
					msg.Reply <- err
				}
				l.broadcast()

			case resyncDone:
				l.onResync(msg)
				l.broadcast()

			case GetState:
				msg.Reply <- l.view()

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) perform(a Action) error {
	switch act := a.(type) {
	case Assign:
		if l.store == nil {
			return ErrNoRanking
		}
		return l.store.Assign(act.Player, act.Position)

	case Unassign:
		if l.store == nil {
			return ErrNoRanking
		}
		l.store.Unassign(act.Position)
		return nil

	case Submit:
		return l.submit()

	case StartRound:
		cmd := engine.StartRound{}
		if err := engine.Authorize(l.state, cmd); err != nil {
			return err
		}
		l.addActivity(fmt.Sprintf("Starting round %d...", l.state.Round))
		return l.send(types.StartRound(l.state.Round), cmd)

	case Advance:
		cmd := engine.Advance{}
		if err := engine.Authorize(l.state, cmd); err != nil {
			return err
		}
		return l.send(types.ChangeStatus(engine.PhaseWaiting, l.state.Round+1), cmd)

	case Reconnect:
		l.connErr = ""
		l.connection = ws.StateConnecting
		l.sock.Reconnect()
		return nil

	case DismissError:
		l.connErr = ""
		l.sendErr = ""
		l.apply(engine.DismissError{})
		return nil

	default:
		return engine.ErrUnsupportedCommand
	}
}

// submit sends the local ranker's current order. The countdown calls it too,
// so it only ever sends positioned players.
func (l *Lobby) submit() error {
	role, ok := l.state.ActiveRole()
	if !ok {
		return engine.ErrNotRanker
	}
	var order []string
	wire := map[string]int{}
	if l.store != nil {
		order = l.store.Derive()
		wire = l.store.Order()
	}
	cmd := engine.SubmitOrder{Role: role, Order: order}
	if err := engine.Authorize(l.state, cmd); err != nil {
		return err
	}

	msg := types.WolfOrderMsg(wire, l.state.Round)
	if role == engine.RolePack {
		msg = types.PackOrderMsg(wire, l.state.Round)
	}
	return l.send(msg, cmd)
}

// send transmits msg and applies cmd once it went out. A send on a closed
// socket asks for a connection and is retried once after RetryDelay.
func (l *Lobby) send(msg types.Outbound, cmd engine.Command) error {
	if l.pending != nil {
		return ErrRetryPending
	}
	err := l.sock.Send(l.ctx, msg)
	if err == nil {
		l.sendErr = ""
		l.apply(cmd)
		return nil
	}

	l.log.Info("send failed, retrying once", zap.String("type", string(msg.Type)), zap.Error(err))
	l.sock.Connect()
	l.pending = &pendingSend{msg: msg, cmd: cmd}
	l.retry = time.NewTimer(l.cfg.RetryDelay)
	return nil
}

func (l *Lobby) retrySend() {
	p := l.pending
	l.pending = nil
	if p == nil {
		return
	}
	// The game may have moved on while we waited.
	if err := engine.Authorize(l.state, p.cmd); err != nil {
		l.log.Info("dropping retried send", zap.String("type", string(p.msg.Type)), zap.Error(err))
		return
	}
	if err := l.sock.Send(l.ctx, p.msg); err != nil {
		l.sendErr = fmt.Sprintf("Failed to send %s: %v", p.msg.Type, err)
		l.log.Warn("retry failed", zap.String("type", string(p.msg.Type)), zap.Error(err))
		return
	}
	l.sendErr = ""
	l.apply(p.cmd)
}

func (l *Lobby) onSocket(e ws.Event) {
	switch ev := e.(type) {
	case ws.Opened:
		l.connection = ws.StateOpen
		l.attempts = 0
		l.connErr = ""
		if ev.Reconnect {
			l.addActivity("Reconnected to game")
			l.requestResync()
		} else {
			l.addActivity("Connected to game")
		}

	case ws.Closed:
		l.connection = ws.StateClosed
		l.addActivity("Disconnected from game")

	case ws.Reconnecting:
		l.connection = ws.StateConnecting
		l.attempts = ev.Attempt
		l.addActivity(fmt.Sprintf("Attempting to reconnect (attempt %d)...", ev.Attempt))

	case ws.Failed:
		l.connection = ws.StateClosed
		l.connErr = "Failed to connect after multiple attempts. Reconnect to try again."

	case ws.Received:
		l.onMessage(ev.Msg)
	}
}

func (l *Lobby) onMessage(m types.Inbound) {
	if _, ok := m.(types.GameStart); ok {
		l.addActivity("The game has started")
		l.requestResync()
		return
	}
	cmd, ok := toEngineCommand(m)
	if !ok {
		return
	}
	if err := l.apply(cmd); errors.Is(err, engine.ErrOutOfOrder) {
		l.requestResync()
	}
}

func (l *Lobby) apply(cmd engine.Command) error {
	events, next, err := engine.Apply(l.state, cmd)
	if err != nil {
		l.log.Debug("command rejected", zap.String("cmd", fmt.Sprintf("%T", cmd)), zap.Error(err))
		return err
	}
	l.state = next
	for _, e := range events {
		l.react(e)
	}
	return nil
}

func (l *Lobby) react(e engine.Event) {
	switch e.Type {
	case engine.EvtPhaseChanged:
		l.log.Info("phase changed", zap.String("phase", string(e.Phase)), zap.Int("round", l.state.Round))
		l.announce(e.Phase)
		if !e.Phase.Ranking() {
			l.store = nil
		}

	case engine.EvtRankingReset:
		l.store = ranking.New(l.state.Rankable)

	case engine.EvtRosterChanged:
		if l.store != nil {
			l.store.SetPlayers(l.state.Rankable)
		}

	case engine.EvtCountdownStarted:
		l.stopTicker()
		l.ticker = time.NewTicker(l.cfg.TickEvery)

	case engine.EvtCountdownStopped:
		l.stopTicker()

	case engine.EvtCountdownExpired:
		l.stopTicker()
		if role, ok := l.state.ActiveRole(); ok && !l.state.Submitted {
			l.log.Info("countdown expired, submitting partial ranking", zap.String("role", string(role)))
			if err := l.submit(); err != nil {
				l.log.Warn("auto-submit failed", zap.Error(err))
			}
		}

	case engine.EvtScoresUpdated:
		l.addActivity(fmt.Sprintf("Round %d results: Pack scored %d points! Total score: %d",
			l.state.Round, l.state.PackScore, l.state.TotalScore))

	case engine.EvtGameEnded:
		l.record()

	case engine.EvtErrorRaised:
		l.log.Warn("server error", zap.String("message", l.state.Error))
	}
}

func (l *Lobby) announce(p engine.Phase) {
	s := l.state
	switch p {
	case engine.PhaseWolfRanking:
		l.addActivity(fmt.Sprintf("Round %d started! Question: %s", s.Round, s.Question))
		if s.IsWolf() {
			l.addActivity("You are the wolf for this round!")
		} else {
			l.addActivity(fmt.Sprintf("%s is the wolf for this round. Waiting for their ranking...", s.Wolf))
		}
	case engine.PhasePackRanking:
		if s.IsPackRanker() {
			l.addActivity("You have been selected to rank for the pack!")
		} else {
			l.addActivity(fmt.Sprintf("%s is ranking for the pack. Waiting for their ranking...", s.PackRanker))
		}
	case engine.PhaseWaitingResults:
		l.addActivity("Pack ranking submitted, waiting for results...")
	case engine.PhaseWaiting:
		l.addActivity(fmt.Sprintf("Waiting for round %d", s.Round))
	case engine.PhaseGameEnd:
		l.addActivity("Game over")
	}
}

func (l *Lobby) record() {
	if l.rec == nil || l.state.Stats == nil {
		return
	}
	stats := *l.state.Stats
	l.recording.Add(1)
	go func() {
		defer l.recording.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), 10*time.Second)
		defer cancel()
		if err := l.rec.Record(ctx, l.cfg.Room, stats); err != nil {
			l.log.Warn("could not record game", zap.Error(err))
		}
	}()
}

// requestResync fetches the server's game state unless a fetch is running
// or one happened within ResyncEvery.
func (l *Lobby) requestResync() {
	if l.api == nil || l.resyncing {
		return
	}
	if !l.lastResync.IsZero() && time.Since(l.lastResync) < l.cfg.ResyncEvery {
		return
	}
	l.resyncing = true
	l.lastResync = time.Now()

	go func() {
		ctx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
		defer cancel()
		gs, err := l.api.GameState(ctx, l.cfg.Room)
		l.post(resyncDone{state: gs, err: err})
	}()
}

func (l *Lobby) onResync(r resyncDone) {
	l.resyncing = false
	if r.err != nil {
		l.log.Warn("game state fetch failed", zap.Error(r.err))
		l.sendErr = "Failed to load game data."
		return
	}
	l.apply(r.state.Resync())
}

func (l *Lobby) view() View {
	s := l.state
	v := View{
		Version:      l.version,
		Room:         l.cfg.Room,
		State:        s,
		IsWolf:       s.IsWolf(),
		IsPackRanker: s.IsPackRanker(),
		IsHost:       s.IsHost(),
		Connection:   l.connection,
		Attempts:     l.attempts,
		Activity:     append([]string(nil), l.activity...),
		ActivitySeq:  l.seq,
		NumClients:   len(l.clients),
	}
	for _, e := range []string{s.Error, l.sendErr, l.connErr} {
		if e != "" {
			v.Error = e
			break
		}
	}
	if l.store != nil {
		for pos := 1; pos <= l.store.Size(); pos++ {
			p, _ := l.store.PlayerAt(pos)
			v.Slots = append(v.Slots, Slot{Position: pos, Player: p})
		}
		v.Unpositioned = l.store.Unpositioned()
	}
	return v
}

func (l *Lobby) broadcast() {
	l.version++
	v := l.view()
	for id, ch := range l.clients {
		select {
		case ch <- v:
			//ok
		default:
			// Client is slow/full - drop them.
			close(ch)
			delete(l.clients, id)
		}
	}
}

func (l *Lobby) addActivity(line string) {
	l.seq++
	l.activity = append(l.activity, line)
	if len(l.activity) > maxActivity {
		l.activity = l.activity[len(l.activity)-maxActivity:]
	}
}

func (l *Lobby) shutdown() {
	l.stopTicker()
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.sock.Close()
	for id, ch := range l.clients {
		close(ch) // Tell client no more views
		delete(l.clients, id)
	}
	l.recording.Wait()
	l.cancel()
}

func (l *Lobby) stopTicker() {
	if l.ticker != nil {
		l.ticker.Stop()
		l.ticker = nil
	}
}

func toEngineCommand(m types.Inbound) (engine.Command, bool) {
	switch msg := m.(type) {
	case types.RoundStart:
		return engine.RoundStart{Round: msg.Round, Wolf: msg.WolfID, Question: msg.Question, Seconds: msg.TimeLeft}, true
	case types.WolfTimer:
		return engine.TimerSync{Seconds: msg.TimeLeft}, true
	case types.WolfOrder:
		return engine.PackRankerSelected{Ranker: msg.Ranker(), WolfOrder: orderFromRanks(msg.Order)}, true
	case types.RoundResult:
		return engine.RoundResult{
			Round:      msg.Round,
			WolfOrder:  msg.WolfRanking,
			PackOrder:  msg.PackRanking,
			PackScore:  msg.PackScore,
			TotalScore: msg.TotalScore,
			Players:    msg.UpdatedPlayers,
			Scores:     msg.Scores,
		}, true
	case types.StatusChange:
		phase, ok := engine.ParsePhase(msg.Status)
		if !ok {
			return nil, false
		}
		return engine.StatusChange{Status: phase, Message: msg.Message}, true
	case types.PlayerList:
		return engine.Roster{Players: msg.Players}, true
	case types.PlayerJoined:
		return engine.PlayerJoined{Username: msg.Player}, true
	case types.PlayerLeft:
		return engine.PlayerLeft{Username: msg.Player}, true
	case types.Error:
		message := msg.Message
		if message == "" {
			message = "An error occurred"
		}
		return engine.ServerError{Message: message}, true
	case types.GameEnd:
		return engine.GameEnd{Stats: msg.Statistics}, true
	case types.GameStart, types.Pong:
		return nil, false
	default:
		return nil, false
	}
}

// orderFromRanks turns a {player: rank} map back into an ordered list.
func orderFromRanks(ranks map[string]int) []string {
	if len(ranks) == 0 {
		return nil
	}
	out := make([]string, 0, len(ranks))
	for p := range ranks {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if ranks[out[i]] != ranks[out[j]] {
			return ranks[out[i]] < ranks[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
