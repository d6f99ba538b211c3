package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/park285/card-scorekeeper/internal/localstore"
	"github.com/park285/card-scorekeeper/internal/msgcat"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"go.uber.org/zap"
)

var (
	ErrNoCurrentGame = errors.New("no current game")
	ErrGameNotFound  = errors.New("game not found")
	ErrGameEnded     = errors.New("game already ended")
	ErrWriteInFlight = errors.New("another write is in flight")
	ErrNotSynced     = errors.New("game has no remote copy yet")
)

// Saver is the coordinator write path.
type Saver interface {
	Save(ctx context.Context, r *game.Record) *game.Record
	Room() string
}

// GameWatcher delivers live copies of a single remote record.
type GameWatcher interface {
	SubscribeGame(ctx context.Context, room, remoteID string, fn func(*game.Record, error)) error
	Unsubscribe()
	Active() bool
}

// Archiver stores finished games.
type Archiver interface {
	SaveResult(ctx context.Context, r *game.Record) error
}

type Options struct {
	Local       *localstore.Store
	Saver       Saver
	Watcher     GameWatcher
	Messages    *msgcat.Catalog
	PlayerCount int
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

// EndResult is what the end-game screen shows.
type EndResult struct {
	Game        *game.Record `json:"game"`
	WinnerIndex int          `json:"winnerIndex"`
	WinnerName  string       `json:"winnerName"`
	Message     string       `json:"message"`
}

// Service owns the in-progress game of this device.
type Service struct {
	local       *localstore.Store
	saver       Saver
	watcher     GameWatcher
	messages    *msgcat.Catalog
	playerCount int
	clock       clockwork.Clock
	logger      *zap.Logger

	inflight atomic.Bool

	mu       sync.Mutex
	archive  Archiver
	watching string
}

func New(opts Options) *Service {
	s := &Service{
		local:       opts.Local,
		saver:       opts.Saver,
		watcher:     opts.Watcher,
		messages:    opts.Messages,
		playerCount: opts.PlayerCount,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if s.playerCount <= 0 {
		s.playerCount = game.DefaultPlayerCount
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = obslog.L()
	}
	return s
}

// AttachArchive wires a results store for finished games.
func (s *Service) AttachArchive(a Archiver) {
	s.mu.Lock()
	s.archive = a
	s.mu.Unlock()
}

// NewGame starts a game in the coordinator's current room and makes it current.
func (s *Service) NewGame(ctx context.Context, players []string) (*game.Record, error) {
	if !s.inflight.CompareAndSwap(false, true) {
		return nil, ErrWriteInFlight
	}
	defer s.inflight.Store(false)

	rec := game.New(players, s.saver.Room(), s.playerCount, s.clock.Now())
	saved := s.saver.Save(ctx, rec)
	s.local.SetCurrentGame(ctx, saved)
	s.logger.Info("game_started",
		zap.String("id", saved.ID),
		zap.String("room", saved.Room),
		zap.Strings("players", saved.Players),
	)
	return saved, nil
}

// Open makes a stored game current. Ended games open read-only.
func (s *Service) Open(ctx context.Context, id string) (*game.Record, error) {
	id = strings.TrimSpace(id)
	rec := s.local.Get(ctx, id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, id)
	}
	s.local.SetCurrentGame(ctx, rec)
	return rec, nil
}

// Current returns the in-progress game, or ErrNoCurrentGame when the start screen applies.
func (s *Service) Current(ctx context.Context) (*game.Record, error) {
	rec := s.local.CurrentGame(ctx)
	if rec == nil {
		return nil, ErrNoCurrentGame
	}
	return rec, nil
}

// CloseCurrent forgets the current game without touching its record.
func (s *Service) CloseCurrent(ctx context.Context) {
	s.StopWatch()
	s.local.SetCurrentGame(ctx, nil)
}

// AddOrEditRound replaces the round at index, or prepends a new one when index is nil.
func (s *Service) AddOrEditRound(ctx context.Context, index *int, scores []game.Score) (*game.Record, error) {
	if !s.inflight.CompareAndSwap(false, true) {
		return nil, ErrWriteInFlight
	}
	defer s.inflight.Store(false)

	cur, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	if cur.IsEnded {
		return nil, ErrGameEnded
	}
	next := cur.Clone()
	if err := game.AddOrEditRound(next, index, scores); err != nil {
		return nil, err
	}
	saved := s.saver.Save(ctx, next)
	s.local.SetCurrentGame(ctx, saved)
	s.logger.Debug("game_round_saved",
		zap.String("id", saved.ID),
		zap.Int("rounds", len(saved.Rounds)),
		zap.Bool("edit", index != nil),
	)
	return saved, nil
}

// EndGame finishes the current game and announces the winner.
func (s *Service) EndGame(ctx context.Context) (*EndResult, error) {
	if !s.inflight.CompareAndSwap(false, true) {
		return nil, ErrWriteInFlight
	}
	defer s.inflight.Store(false)

	cur, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	game.End(next, s.clock.Now())
	saved := s.saver.Save(ctx, next)
	s.local.SetCurrentGame(ctx, saved)

	res := &EndResult{
		Game:        saved,
		WinnerIndex: game.FindWinner(saved),
		WinnerName:  game.WinnerName(saved),
	}
	res.Message = s.messages.Text("game.winner", map[string]any{"Name": res.WinnerName}, res.WinnerName+" wins!")

	s.mu.Lock()
	a := s.archive
	s.mu.Unlock()
	if a != nil {
		if err := a.SaveResult(ctx, saved); err != nil {
			s.logger.Warn("game_archive_failed", zap.String("id", saved.ID), zap.Error(err))
		}
	}
	s.logger.Info("game_ended",
		zap.String("id", saved.ID),
		zap.String("winner", res.WinnerName),
		zap.Int("rounds", len(saved.Rounds)),
	)
	return res, nil
}

// WatchCurrent follows remote edits of the current game made on other devices.
// fn runs only when the remote content differs from what this device holds.
// Calling it again for the game already watched is a no-op.
func (s *Service) WatchCurrent(ctx context.Context, fn func(*game.Record)) error {
	if s.watcher == nil {
		return ErrNotSynced
	}
	cur, err := s.Current(ctx)
	if err != nil {
		return err
	}
	if cur.RemoteID == "" {
		// a reconcile pass may have pushed it since the slot was written
		if stored := s.local.Get(ctx, cur.ID); stored != nil {
			cur.RemoteID = stored.RemoteID
		}
	}
	if cur.RemoteID == "" {
		return ErrNotSynced
	}
	s.mu.Lock()
	same := s.watching == cur.RemoteID
	s.mu.Unlock()
	if same && s.watcher.Active() {
		return nil
	}
	id := cur.ID
	err = s.watcher.SubscribeGame(ctx, cur.Room, cur.RemoteID, func(rec *game.Record, err error) {
		if err != nil {
			s.logger.Debug("game_watch_error", zap.String("id", id), zap.Error(err))
			return
		}
		if rec == nil || rec.ID != id {
			return
		}
		s.applyRemote(ctx, rec, fn)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watching = cur.RemoteID
	s.mu.Unlock()
	return nil
}

func (s *Service) applyRemote(ctx context.Context, rec *game.Record, fn func(*game.Record)) {
	ctx = context.WithoutCancel(ctx)
	have := s.local.CurrentGame(ctx)
	if have == nil || have.ID != rec.ID {
		return
	}
	if s.local.IsPending(ctx, rec.ID) {
		return
	}
	if have.Checksum() == rec.Checksum() {
		return
	}
	saved := s.local.Put(ctx, rec)
	s.local.SetCurrentGame(ctx, saved)
	if fn != nil {
		fn(saved)
	}
}

// StopWatch ends the current-game subscription.
func (s *Service) StopWatch() {
	s.mu.Lock()
	s.watching = ""
	s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Unsubscribe()
	}
}
