package syncer

import (
	"context"
	"strings"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/park285/card-scorekeeper/internal/connectivity"
	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/park285/card-scorekeeper/internal/localstore"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"github.com/park285/card-scorekeeper/internal/remote"
	"go.uber.org/zap"
)

// Remote is the part of the shared backend the coordinator drives.
type Remote interface {
	Update(ctx context.Context, r *game.Record) (*game.Record, error)
	Fetch(ctx context.Context, room string) ([]*game.Record, error)
	GoOnline()
	GoOffline()
}

// Subscriber is a single replaceable room subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, room string, fn func(remote.Update)) error
	Unsubscribe()
}

type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// Snapshot is one delivery to the view. Err is set when a remote read failed
// and the games came from the local cache instead.
type Snapshot struct {
	Room   string         `json:"room"`
	Source Source         `json:"source"`
	Games  []*game.Record `json:"games"`
	Err    error          `json:"-"`
}

type Options struct {
	Local    *localstore.Store
	Remote   Remote
	Listener Subscriber
	Monitor  *connectivity.Monitor
	// RetryMax bounds push attempts per record during reconciliation.
	RetryMax int
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// Coordinator owns the session context: current room, live listener and view callback.
type Coordinator struct {
	local    *localstore.Store
	remote   Remote
	listener Subscriber
	monitor  *connectivity.Monitor
	retryMax int
	clock    clockwork.Clock
	logger   *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	room        string
	view        func(Snapshot)
	watchGen    uint64
	fingerprint string
	sched       gocron.Scheduler

	deliverMu sync.Mutex

	// pushMu serializes queue writes and remote pushes of Save and Reconcile.
	pushMu sync.Mutex

	recMu       sync.Mutex
	reconciling bool
	again       bool

	wg sync.WaitGroup
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		local:    opts.Local,
		remote:   opts.Remote,
		listener: opts.Listener,
		monitor:  opts.Monitor,
		retryMax: opts.RetryMax,
		clock:    opts.Clock,
		logger:   opts.Logger,
		ctx:      context.Background(),
	}
	if c.retryMax <= 0 {
		c.retryMax = 3
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = obslog.L()
	}
	if c.local == nil {
		c.local = localstore.New(nil, localstore.Options{})
	}
	if c.monitor == nil {
		c.monitor = connectivity.New(connectivity.Options{Network: true})
	}
	c.room = game.NormalizeRoom("", game.DefaultRoom)
	return c
}

// Start restores the persisted room, imports legacy local data and hooks the
// connectivity transitions. A reconciliation pass starts right away when online.
func (c *Coordinator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx, c.cancel = runCtx, cancel
	if saved := strings.TrimSpace(c.local.Slot(ctx, localstore.SlotCurrentRoom)); saved != "" {
		c.room = game.NormalizeRoom(saved, game.DefaultRoom)
	}
	room := c.room
	c.mu.Unlock()

	if n := c.local.ImportLegacy(ctx); n > 0 {
		c.logger.Info("sync_legacy_queued", zap.Int("count", n))
	}
	c.monitor.OnOnline(c.handleOnline)
	c.monitor.OnOffline(c.handleOffline)

	online := c.monitor.IsOnline()
	if !online {
		c.remote.GoOffline()
	}
	c.logger.Info("sync_started", zap.String("room", room), zap.Bool("online", online))
	if online {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.Reconcile(runCtx)
		}()
	}
}

// Stop tears down the live subscription and waits for background passes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.view = nil
	c.watchGen++
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.stopRetry()
	c.listener.Unsubscribe()
	c.wg.Wait()
	c.logger.Info("sync_stopped")
}

func (c *Coordinator) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// SetRoom switches the active room, persists it and re-establishes the view if one is set.
func (c *Coordinator) SetRoom(ctx context.Context, id string) string {
	room := game.NormalizeRoom(id, game.DefaultRoom)
	c.listener.Unsubscribe()
	c.mu.Lock()
	c.room = room
	c.fingerprint = ""
	hasView := c.view != nil
	c.mu.Unlock()

	c.local.SetSlot(ctx, localstore.SlotCurrentRoom, room)
	c.logger.Info("sync_room_selected", zap.String("room", room))
	if hasView {
		c.establish(ctx)
	}
	return room
}

// Save writes locally first, then pushes when online. The local write is never
// rolled back; a failed push leaves the record queued for reconciliation.
func (c *Coordinator) Save(ctx context.Context, r *game.Record) *game.Record {
	if r == nil {
		return nil
	}
	in := r.Clone()
	if strings.TrimSpace(in.Room) == "" {
		in.Room = c.Room()
	}

	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	rec := c.local.Enqueue(ctx, in)
	if !c.monitor.IsOnline() {
		c.logger.Debug("sync_save_queued", zap.String("id", rec.ID))
		return rec
	}
	stamped, err := c.remote.Update(ctx, rec)
	if err != nil {
		c.logger.Warn("sync_save_remote_failed", zap.String("id", rec.ID), zap.Error(err))
		c.monitor.ReportFault(err)
		return rec
	}
	rec = c.local.Put(ctx, stamped)
	c.local.Settle(ctx, rec.ID)
	return rec
}

// Watch sets the view callback and delivers the current room's games to it.
func (c *Coordinator) Watch(ctx context.Context, fn func(Snapshot)) {
	c.mu.Lock()
	c.view = fn
	c.fingerprint = ""
	c.mu.Unlock()
	c.establish(ctx)
}

// Unwatch drops the view callback and the live subscription.
func (c *Coordinator) Unwatch() {
	c.mu.Lock()
	c.view = nil
	c.watchGen++
	c.mu.Unlock()
	c.listener.Unsubscribe()
}

// Games lists the current room once, from the remote when online, else locally.
func (c *Coordinator) Games(ctx context.Context) Snapshot {
	room := c.Room()
	if c.monitor.IsOnline() {
		list, err := c.remote.Fetch(ctx, room)
		if err == nil {
			return Snapshot{Room: room, Source: SourceRemote, Games: c.mirror(ctx, list)}
		}
		c.logger.Warn("sync_fetch_failed", zap.String("room", room), zap.Error(err))
		c.monitor.ReportFault(err)
		return Snapshot{Room: room, Source: SourceLocal, Games: c.local.ForRoom(ctx, room), Err: err}
	}
	return Snapshot{Room: room, Source: SourceLocal, Games: c.local.ForRoom(ctx, room)}
}

func (c *Coordinator) establish(ctx context.Context) {
	c.mu.Lock()
	if c.view == nil {
		c.mu.Unlock()
		return
	}
	c.watchGen++
	gen := c.watchGen
	room := c.room
	c.mu.Unlock()

	if !c.monitor.IsOnline() {
		c.deliverLocal(ctx, gen, room, nil)
		return
	}
	err := c.listener.Subscribe(ctx, room, func(u remote.Update) { c.onRemote(gen, u) })
	if err != nil {
		c.logger.Warn("sync_subscribe_failed", zap.String("room", room), zap.Error(err))
		c.deliverLocal(ctx, gen, room, err)
		c.monitor.ReportFault(err)
	}
}

func (c *Coordinator) onRemote(gen uint64, u remote.Update) {
	ctx := c.runContext()
	if u.Err != nil {
		c.logger.Warn("sync_subscription_failed", zap.String("room", u.Room), zap.Error(u.Err))
		c.deliverLocal(ctx, gen, u.Room, u.Err)
		c.monitor.ReportFault(u.Err)
		return
	}
	c.deliver(gen, Snapshot{Room: u.Room, Source: SourceRemote, Games: c.mirror(ctx, u.Games)})
}

// mirror copies remote records into the local cache. Records still queued for
// push keep their local version, which is also what the view sees.
func (c *Coordinator) mirror(ctx context.Context, list []*game.Record) []*game.Record {
	out := make([]*game.Record, 0, len(list))
	for _, r := range list {
		if c.local.IsPending(ctx, r.ID) {
			if mine := c.local.Get(ctx, r.ID); mine != nil {
				out = append(out, mine)
				continue
			}
		}
		c.local.Put(ctx, r)
		out = append(out, r)
	}
	return out
}

func (c *Coordinator) deliverLocal(ctx context.Context, gen uint64, room string, err error) {
	c.deliver(gen, Snapshot{Room: room, Source: SourceLocal, Games: c.local.ForRoom(ctx, room), Err: err})
}

// deliver hands s to the view unless the subscription is stale or nothing changed.
func (c *Coordinator) deliver(gen uint64, s Snapshot) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	fp := fingerprint(s)
	c.mu.Lock()
	fn := c.view
	if fn == nil || gen != c.watchGen || fp == c.fingerprint {
		c.mu.Unlock()
		return
	}
	c.fingerprint = fp
	c.mu.Unlock()
	fn(s)
}

func fingerprint(s Snapshot) string {
	var b strings.Builder
	b.WriteString(s.Room)
	b.WriteByte('|')
	b.WriteString(string(s.Source))
	for _, r := range s.Games {
		b.WriteByte('|')
		b.WriteString(r.ID)
		b.WriteByte(':')
		b.WriteString(r.Checksum())
	}
	return b.String()
}

func (c *Coordinator) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Coordinator) handleOnline() {
	ctx := c.runContext()
	if ctx.Err() != nil {
		return
	}
	c.logger.Info("sync_online")
	c.remote.GoOnline()
	c.Reconcile(ctx)
	if c.monitor.IsOnline() {
		c.establish(ctx)
	}
}

func (c *Coordinator) handleOffline() {
	ctx := c.runContext()
	c.logger.Info("sync_offline")
	c.listener.Unsubscribe()
	c.remote.GoOffline()
	c.mu.Lock()
	gen := c.watchGen + 1
	c.watchGen = gen
	room := c.room
	hasView := c.view != nil
	c.mu.Unlock()
	if hasView {
		c.deliverLocal(ctx, gen, room, nil)
	}
}
