package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/park285/card-scorekeeper/internal/connectivity"
	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/park285/card-scorekeeper/internal/localstore"
	"github.com/park285/card-scorekeeper/internal/msgcat"
	"github.com/park285/card-scorekeeper/internal/remote"
	"github.com/park285/card-scorekeeper/internal/scoring"
	"github.com/park285/card-scorekeeper/internal/syncer"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
)

func init() { gin.SetMode(gin.TestMode) }

type testEnv struct {
	ts      *httptest.Server
	monitor *connectivity.Monitor
	client  *remote.Client
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := remote.NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), remote.Options{})
	local := localstore.New(localstore.NewMemoryBackend(), localstore.Options{})
	mon := connectivity.New(connectivity.Options{Network: true})
	coord := syncer.New(syncer.Options{Local: local, Remote: client, Listener: client.NewListener(), Monitor: mon})
	coord.Start(context.Background())
	msgs := msgcat.MustDefault()
	svc := scoring.New(scoring.Options{Local: local, Saver: coord, Watcher: client.NewListener(), Messages: msgs})

	srv := New(Deps{
		Coordinator:  coord,
		Scoring:      svc,
		Rooms:        client,
		Local:        local,
		Monitor:      mon,
		Messages:     msgs,
		CacheVersion: "v2",
	})
	srv.Start(context.Background())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
		coord.Stop()
		_ = client.Close()
	})
	return &testEnv{ts: ts, monitor: mon, client: client}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestStaticDescriptors(t *testing.T) {
	e := newEnv(t)
	var manifest map[string]any
	if code := e.do(t, http.MethodGet, "/manifest.json", nil, &manifest); code != http.StatusOK || manifest["display"] != "standalone" {
		t.Fatalf("manifest %d %v", code, manifest)
	}
	var pre struct {
		CacheName string   `json:"cacheName"`
		URLs      []string `json:"urls"`
	}
	if code := e.do(t, http.MethodGet, "/precache.json", nil, &pre); code != http.StatusOK || pre.CacheName != "card-game-v2" || len(pre.URLs) == 0 {
		t.Fatalf("precache %d %+v", code, pre)
	}
}

func TestGameLifecycle(t *testing.T) {
	e := newEnv(t)

	if code := e.do(t, http.MethodGet, "/api/current", nil, nil); code != http.StatusNotFound {
		t.Fatalf("no current game should be 404, got %d", code)
	}

	var rec game.Record
	if code := e.do(t, http.MethodPost, "/api/games", map[string]any{"players": []string{"An", "Binh", "Chi", "Dung"}}, &rec); code != http.StatusCreated {
		t.Fatalf("new game: %d", code)
	}
	if rec.RemoteID == "" || rec.Room != game.DefaultRoom {
		t.Fatalf("new game record %+v", rec)
	}

	body := json.RawMessage(`{"scores":["3",1,"",0]}`)
	if code := e.do(t, http.MethodPost, "/api/current/rounds", body, &rec); code != http.StatusOK {
		t.Fatalf("add round: %d", code)
	}
	if rec.TotalScores[0] != 3 || rec.TotalScores[1] != 1 {
		t.Fatalf("totals %v", rec.TotalScores)
	}
	if code := e.do(t, http.MethodPost, "/api/current/rounds", map[string]any{"index": 5, "scores": []int{1, 1, 1, 1}}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad index should be 400, got %d", code)
	}

	var end scoring.EndResult
	if code := e.do(t, http.MethodPost, "/api/current/end", nil, &end); code != http.StatusOK {
		t.Fatalf("end: %d", code)
	}
	if end.WinnerName != "An" || end.Message != "An chiến thắng! 🎉" {
		t.Fatalf("end result %+v", end)
	}
	if code := e.do(t, http.MethodPost, "/api/current/rounds", map[string]any{"scores": []int{1, 1, 1, 1}}, nil); code != http.StatusConflict {
		t.Fatalf("round after end should be 409, got %d", code)
	}

	var list struct {
		Source string        `json:"source"`
		Games  []game.Record `json:"games"`
	}
	if code := e.do(t, http.MethodGet, "/api/games", nil, &list); code != http.StatusOK || len(list.Games) != 1 || !list.Games[0].IsEnded {
		t.Fatalf("games list %d %+v", code, list)
	}
	if code := e.do(t, http.MethodPost, "/api/games/"+rec.ID+"/open", nil, nil); code != http.StatusOK {
		t.Fatalf("open: %d", code)
	}
	if code := e.do(t, http.MethodPost, "/api/games/missing/open", nil, nil); code != http.StatusNotFound {
		t.Fatalf("open missing: %d", code)
	}
}

func TestRoomCreationSurfacesRemoteFailure(t *testing.T) {
	e := newEnv(t)

	e.monitor.SetForced(true)
	if code := e.do(t, http.MethodPost, "/api/rooms", map[string]string{"room": "kitchen"}, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("offline create should be 503, got %d", code)
	}
	e.monitor.SetForced(false)

	var created map[string]string
	if code := e.do(t, http.MethodPost, "/api/rooms", map[string]string{"room": " kitchen "}, &created); code != http.StatusCreated || created["room"] != "kitchen" {
		t.Fatalf("create %d %v", code, created)
	}
	var rooms struct {
		Rooms   []string `json:"rooms"`
		Current string   `json:"current"`
	}
	e.do(t, http.MethodGet, "/api/rooms", nil, &rooms)
	if rooms.Current != "kitchen" || len(rooms.Rooms) != 1 || rooms.Rooms[0] != "kitchen" {
		t.Fatalf("rooms %+v", rooms)
	}

	var status statusResponse
	e.do(t, http.MethodGet, "/api/status", nil, &status)
	if status.Room != "kitchen" || status.RoomBadge != "Phòng: kitchen" || !status.Connectivity.Online {
		t.Fatalf("status %+v", status)
	}

	var switched map[string]string
	e.do(t, http.MethodPut, "/api/room", map[string]string{"room": ""}, &switched)
	if switched["room"] != game.DefaultRoom {
		t.Fatalf("blank room should normalize, got %v", switched)
	}
}

func TestInstallFlow(t *testing.T) {
	e := newEnv(t)
	var st map[string]any
	e.do(t, http.MethodGet, "/api/install", nil, &st)
	if st["installed"] != false || st["showButton"] != true {
		t.Fatalf("fresh install state %v", st)
	}
	e.do(t, http.MethodPost, "/api/install", nil, nil)
	e.do(t, http.MethodGet, "/api/install", nil, &st)
	if st["installed"] != true || st["showButton"] != false {
		t.Fatalf("install not recorded %v", st)
	}
}

func TestFeedPushesGameLists(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/feed"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	first := readFeed(ctx, t, conn)
	if first.Type != "games" || first.Room != game.DefaultRoom {
		t.Fatalf("first message %+v", first)
	}

	if code := e.do(t, http.MethodPost, "/api/games", map[string]any{"players": []string{"A", "B", "C", "D"}}, nil); code != http.StatusCreated {
		t.Fatalf("new game: %d", code)
	}
	for {
		msg := readFeed(ctx, t, conn)
		if len(msg.Games) == 1 {
			if msg.Source != syncer.SourceRemote || msg.Badge != "Phòng: public" {
				t.Fatalf("feed message %+v", msg)
			}
			return
		}
	}
}

func readFeed(ctx context.Context, t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	var msg FeedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	return msg
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{scoring.ErrNoCurrentGame, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", scoring.ErrGameNotFound), http.StatusNotFound},
		{scoring.ErrGameEnded, http.StatusConflict},
		{scoring.ErrWriteInFlight, http.StatusTooManyRequests},
		{game.ErrScoreArity, http.StatusBadRequest},
		{fmt.Errorf("%w: down", remote.ErrRemoteUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.code {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.ts.URL+"/api/current/rounds", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Origin", "https://scores.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin %q", got)
	}
}

func TestFeedPushesRemoteEditsOfCurrentGame(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var rec game.Record
	if code := e.do(t, http.MethodPost, "/api/games", map[string]any{"players": []string{"A", "B", "C", "D"}}, &rec); code != http.StatusCreated {
		t.Fatalf("new game: %d", code)
	}

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/feed"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	other := rec.Clone()
	if err := game.AddOrEditRound(other, nil, game.Scores(0, 9, 0, 0)); err != nil {
		t.Fatalf("AddOrEditRound: %v", err)
	}
	if _, err := e.client.Save(ctx, other); err != nil {
		t.Fatalf("remote Save: %v", err)
	}

	for {
		msg := readFeed(ctx, t, conn)
		if msg.Type != "current" {
			continue
		}
		if msg.Current == nil || msg.Current.ID != rec.ID || msg.Current.TotalScores[1] != 9 {
			t.Fatalf("current push %+v", msg)
		}
		var cur game.Record
		e.do(t, http.MethodGet, "/api/current", nil, &cur)
		if cur.TotalScores[1] != 9 {
			t.Fatalf("current slot %v", cur.TotalScores)
		}
		return
	}
}

func TestReconnectRearmsCurrentGameWatch(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var rec game.Record
	if code := e.do(t, http.MethodPost, "/api/games", map[string]any{"players": []string{"A", "B", "C", "D"}}, &rec); code != http.StatusCreated {
		t.Fatalf("new game: %d", code)
	}
	e.monitor.SetForced(true)
	e.monitor.SetForced(false)

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/feed"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	other := rec.Clone()
	if err := game.AddOrEditRound(other, nil, game.Scores(0, 0, 6, 0)); err != nil {
		t.Fatalf("AddOrEditRound: %v", err)
	}
	if _, err := e.client.Save(ctx, other); err != nil {
		t.Fatalf("remote Save: %v", err)
	}

	for {
		msg := readFeed(ctx, t, conn)
		if msg.Type == "current" && msg.Current != nil && msg.Current.TotalScores[2] == 6 {
			return
		}
	}
}
