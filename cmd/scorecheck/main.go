package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	appcfg "github.com/park285/card-scorekeeper/internal/config"
	"github.com/park285/card-scorekeeper/internal/httpapi"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"github.com/park285/card-scorekeeper/internal/remote"
	"github.com/valyala/fasthttp"
	"nhooyr.io/websocket"
)

func main() {
	_ = godotenv.Load()
	if err := obslog.Init(obslog.Options{Level: "warn", Format: "console", Console: true}); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	log.Printf("config ok: listen=%s store=%s room=%s players=%d", cfg.ListenAddr, cfg.LocalStore, cfg.DefaultRoom, cfg.PlayerCount)

	checkBackend(cfg)

	baseURL := strings.TrimRight(os.Getenv("SCOREKEEPER_URL"), "/")
	if baseURL == "" {
		log.Println("SCOREKEEPER_URL not set; skipping API and feed checks")
		return
	}
	checkStatus(baseURL)
	watchFeed(baseURL, 10*time.Second)
}

func checkBackend(cfg *appcfg.AppConfig) {
	client, err := remote.NewClient(cfg.RedisURL, remote.Options{DefaultRoom: cfg.DefaultRoom, PlayerCount: cfg.PlayerCount})
	if err != nil {
		log.Printf("redis url error: %v", err)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		log.Printf("redis ping error (%s): %v", client.Addr(), err)
		return
	}
	log.Printf("redis ok: %s", client.Addr())

	rooms, err := client.ListRooms(ctx)
	if err != nil {
		log.Printf("list rooms error: %v", err)
		return
	}
	for _, room := range rooms {
		games, err := client.Fetch(ctx, room)
		if err != nil {
			log.Printf("room %s: fetch error: %v", room, err)
			continue
		}
		ended := 0
		for _, g := range games {
			if g.IsEnded {
				ended++
			}
		}
		log.Printf("room %s: %d games (%d ended)", room, len(games), ended)
	}
}

func checkStatus(baseURL string) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(baseURL + "/api/status")
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := fasthttp.DoTimeout(req, resp, 5*time.Second); err != nil {
		log.Printf("/api/status error: %v", err)
		return
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		log.Printf("/api/status http %d: %s", resp.StatusCode(), resp.Body())
		return
	}
	var st struct {
		Connectivity struct {
			Online  bool   `json:"online"`
			Backend string `json:"backend"`
		} `json:"connectivity"`
		Room    string `json:"room"`
		Pending int    `json:"pending"`
	}
	if err := json.Unmarshal(resp.Body(), &st); err != nil {
		log.Printf("/api/status decode error: %v", err)
		return
	}
	log.Printf("/api/status ok: online=%t backend=%s room=%s pending=%d", st.Connectivity.Online, st.Connectivity.Backend, st.Room, st.Pending)
}

// watchFeed prints feed pushes for a short window.
func watchFeed(baseURL string, window time.Duration) {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/feed"
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		log.Printf("feed connect error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("feed read error: %v", err)
			}
			return
		}
		var msg httpapi.FeedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("feed decode error: %v", err)
			continue
		}
		fmt.Printf("feed room=%s source=%s games=%d", msg.Room, msg.Source, len(msg.Games))
		if msg.Error != "" {
			fmt.Printf(" error=%q", msg.Error)
		}
		fmt.Println()
	}
}
