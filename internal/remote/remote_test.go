package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	c := NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func waitFor(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for update")
		return Update{}
	}
}

func TestParseRedisURL(t *testing.T) {
	o, err := ParseRedisURL("redis://:secret@cache.local/2")
	if err != nil {
		t.Fatalf("ParseRedisURL: %v", err)
	}
	if o.Addr != "cache.local:6379" || o.Password != "secret" || o.DB != 2 {
		t.Fatalf("unexpected options: addr=%q pass=%q db=%d", o.Addr, o.Password, o.DB)
	}
	if o, _ := ParseRedisURL("rediss://h:6380"); o == nil || o.TLSConfig == nil {
		t.Fatalf("rediss should enable TLS")
	}
	for _, bad := range []string{"http://h", "redis://h/x", "redis://"} {
		if _, err := ParseRedisURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestListRoomsDefaultsAndEnsure(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	rooms, err := c.ListRooms(ctx)
	if err != nil || len(rooms) != 1 || rooms[0] != game.DefaultRoom {
		t.Fatalf("empty backend should list default room: %v %v", rooms, err)
	}

	id, err := c.EnsureRoom(ctx, "  kitchen ")
	if err != nil || id != "kitchen" {
		t.Fatalf("EnsureRoom: %q %v", id, err)
	}
	first, _ := mr.Get("room:kitchen")
	if _, err := c.EnsureRoom(ctx, "kitchen"); err != nil {
		t.Fatalf("EnsureRoom#2: %v", err)
	}
	second, _ := mr.Get("room:kitchen")
	if first != second {
		t.Fatalf("room entry rewritten: %q vs %q", first, second)
	}
	var meta Room
	if err := json.Unmarshal([]byte(first), &meta); err != nil || meta.Name != "kitchen" || meta.CreatedAt == 0 {
		t.Fatalf("room meta: %+v %v", meta, err)
	}

	if id, _ := c.EnsureRoom(ctx, ""); id != game.DefaultRoom {
		t.Fatalf("blank room should normalize, got %q", id)
	}
	rooms, _ = c.ListRooms(ctx)
	if len(rooms) != 2 || rooms[0] != "kitchen" || rooms[1] != "public" {
		t.Fatalf("rooms: %v", rooms)
	}
}

func TestSaveAssignsRemoteIDAndOverwrites(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	r := game.New([]string{"A", "B", "C", "D"}, "kitchen", 4, time.Now())
	saved, err := c.Save(ctx, r)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.RemoteID == "" || r.RemoteID != "" {
		t.Fatalf("remote id should be set on the copy only: saved=%q orig=%q", saved.RemoteID, r.RemoteID)
	}

	saved.Rounds = [][]game.Score{game.Scores(1, 2, 3, 4)}
	again, err := c.Update(ctx, saved)
	if err != nil || again.RemoteID != saved.RemoteID {
		t.Fatalf("Update: %v remote=%q", err, again.RemoteID)
	}

	list := c.FetchOnce(ctx, "kitchen")
	if len(list) != 1 {
		t.Fatalf("expected a single entry, got %d", len(list))
	}
	if list[0].TotalScores[3] != 4 || list[0].ID != r.ID {
		t.Fatalf("unexpected entry: %+v", list[0])
	}
}

func TestFetchOnceBackfillsAndSorts(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	mr.HSet("room:public:games", "r-old", `{"id":"1","date":"2024-01-01T00:00:00Z","players":["A","B","C","D"],"rounds":[[1,1,1,1]]}`)
	mr.HSet("room:public:games", "r-new", `{"date":"2024-03-01T00:00:00Z","rounds":[["2",null,"x",3.9]]}`)
	mr.HSet("room:public:games", "r-bad", `not json`)

	list := c.FetchOnce(ctx, "")
	if len(list) != 2 {
		t.Fatalf("expected 2 decodable entries, got %d", len(list))
	}
	if list[0].RemoteID != "r-new" || list[1].RemoteID != "r-old" {
		t.Fatalf("order: %s, %s", list[0].RemoteID, list[1].RemoteID)
	}
	n := list[0]
	if n.ID != "r-new" || n.Room != "public" || n.Players[0] != "Player 1" {
		t.Fatalf("not back-filled: %+v", n)
	}
	want := game.Scores(2, 0, 0, 3)
	for i := range want {
		if n.TotalScores[i] != want[i] {
			t.Fatalf("totals %v want %v", n.TotalScores, want)
		}
	}
}

func TestOfflineFailsFast(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	c.GoOffline()
	c.GoOffline()

	if _, err := c.Save(ctx, game.New(nil, "", 4, time.Now())); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if _, err := c.ListRooms(ctx); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("ListRooms: %v", err)
	}
	if list := c.FetchOnce(ctx, ""); len(list) != 0 {
		t.Fatalf("offline fetch should be empty")
	}

	c.GoOnline()
	if _, err := c.ListRooms(ctx); err != nil {
		t.Fatalf("after GoOnline: %v", err)
	}
}

func TestBackendDownWrapsError(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()
	if _, err := c.EnsureRoom(context.Background(), "x"); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestSubscribeDeliversInitialAndChanges(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	l := c.NewListener()
	defer l.Close()

	updates := make(chan Update, 8)
	if err := l.Subscribe(ctx, "kitchen", func(u Update) { updates <- u }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if u := waitFor(t, updates); u.Err != nil || len(u.Games) != 0 {
		t.Fatalf("initial delivery: %+v", u)
	}

	if _, err := c.Save(ctx, game.New([]string{"A"}, "kitchen", 4, time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	u := waitFor(t, updates)
	if u.Err != nil || len(u.Games) != 1 || u.Games[0].RemoteID == "" {
		t.Fatalf("change delivery: %+v", u)
	}

	// a write to another room is not delivered
	if _, err := c.Save(ctx, game.New(nil, "garage", 4, time.Now())); err != nil {
		t.Fatalf("Save garage: %v", err)
	}
	select {
	case u := <-updates:
		t.Fatalf("unexpected delivery for other room: %+v", u)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeReplacesAndGoOfflineCloses(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	l := c.NewListener()
	defer l.Close()

	var mu sync.Mutex
	rooms := map[string]int{}
	record := func(u Update) {
		mu.Lock()
		rooms[u.Room]++
		mu.Unlock()
	}
	if err := l.Subscribe(ctx, "a", record); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := l.Subscribe(ctx, "b", record); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	before := rooms["a"]
	mu.Unlock()

	if _, err := c.Save(ctx, game.New(nil, "a", 4, time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	after := rooms["a"]
	mu.Unlock()
	if after != before {
		t.Fatalf("replaced subscription still delivering: %d -> %d", before, after)
	}

	c.GoOffline()
	if l.Active() {
		t.Fatalf("GoOffline should close live subscriptions")
	}
	if err := l.Subscribe(ctx, "b", record); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("subscribe while offline: %v", err)
	}
	l.Unsubscribe()
}

func TestConcurrentSubscribeKeepsOneSubscription(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	l := c.NewListener()
	defer l.Close()

	rooms := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, room := range rooms {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			if err := l.Subscribe(ctx, room, func(Update) {}); err != nil {
				t.Errorf("Subscribe %s: %v", room, err)
			}
		}(room)
	}
	wg.Wait()

	channels := make([]string, 0, len(rooms))
	for _, room := range rooms {
		channels = append(channels, channelGames(room))
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		total := 0
		for _, n := range mr.PubSubNumSub(channels...) {
			total += n
		}
		if total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one live subscription, got %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	l.Unsubscribe()
	if l.Active() {
		t.Fatalf("Unsubscribe should stop the surviving subscription")
	}
}

func TestSubscribeGame(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	saved, err := c.Save(ctx, game.New([]string{"A", "B", "C", "D"}, "", 4, time.Now()))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	l := c.NewListener()
	defer l.Close()
	got := make(chan *game.Record, 4)
	if err := l.SubscribeGame(ctx, "", saved.RemoteID, func(r *game.Record, err error) {
		if err == nil {
			got <- r
		}
	}); err != nil {
		t.Fatalf("SubscribeGame: %v", err)
	}
	select {
	case r := <-got:
		if r == nil || r.ID != saved.ID {
			t.Fatalf("initial: %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no initial delivery")
	}

	saved.Rounds = [][]game.Score{game.Scores(5, 0, 0, 0)}
	if _, err := c.Update(ctx, saved); err != nil {
		t.Fatalf("Update: %v", err)
	}
	select {
	case r := <-got:
		if r.TotalScores[0] != 5 {
			t.Fatalf("change not delivered: %+v", r.TotalScores)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no change delivery")
	}
}

func TestWatchStatusReportsDownAfterTwoFailures(t *testing.T) {
	c, mr := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reports := make(chan bool, 16)
	go c.WatchStatus(ctx, 20*time.Millisecond, func(ok bool) { reports <- ok })

	select {
	case ok := <-reports:
		if !ok {
			t.Fatalf("first report should be up")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no status report")
	}

	mr.Close()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ok := <-reports:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("status never reported down")
		}
	}
}
