package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/park285/card-scorekeeper/internal/connectivity"
	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/park285/card-scorekeeper/internal/localstore"
	"github.com/park285/card-scorekeeper/internal/msgcat"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"github.com/park285/card-scorekeeper/internal/pwa"
	"github.com/park285/card-scorekeeper/internal/scoring"
	"github.com/park285/card-scorekeeper/internal/syncer"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Rooms is the room directory of the shared backend.
type Rooms interface {
	ListRooms(ctx context.Context) ([]string, error)
	EnsureRoom(ctx context.Context, id string) (string, error)
}

// Deps wires the server. Empty AllowedOrigins allows any origin.
type Deps struct {
	Coordinator    *syncer.Coordinator
	Scoring        *scoring.Service
	Rooms          Rooms
	Local          *localstore.Store
	Monitor        *connectivity.Monitor
	Messages       *msgcat.Catalog
	CacheVersion   string
	AllowedOrigins []string
	Logger         *zap.Logger
}

type Server struct {
	coord    *syncer.Coordinator
	scoring  *scoring.Service
	rooms    Rooms
	local    *localstore.Store
	monitor  *connectivity.Monitor
	messages *msgcat.Catalog
	cacheVer string
	logger   *zap.Logger

	hub     *Hub
	engine  *gin.Engine
	handler http.Handler
	stopped atomic.Bool
}

func New(d Deps) *Server {
	s := &Server{
		coord:    d.Coordinator,
		scoring:  d.Scoring,
		rooms:    d.Rooms,
		local:    d.Local,
		monitor:  d.Monitor,
		messages: d.Messages,
		cacheVer: d.CacheVersion,
		logger:   d.Logger,
	}
	if s.logger == nil {
		s.logger = obslog.Named("http")
	}
	if s.messages == nil {
		s.messages = msgcat.MustDefault()
	}
	s.hub = NewHub(s.messages, s.logger)
	s.engine = s.routes()
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	}).Handler(s.engine)
	return s
}

// Start attaches the feed hub as the coordinator's view. Going offline drops
// the open game's subscription, so it is re-armed on every reconnect.
func (s *Server) Start(ctx context.Context) {
	s.coord.Watch(ctx, s.hub.Publish)
	s.monitor.OnOnline(func() {
		if ctx.Err() != nil || s.stopped.Load() {
			return
		}
		s.watchCurrent(ctx)
	})
}

// Stop detaches the view and disconnects feed clients.
func (s *Server) Stop() {
	s.stopped.Store(true)
	s.coord.Unwatch()
	s.hub.Close()
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/manifest.json", func(c *gin.Context) { c.JSON(http.StatusOK, pwa.DefaultManifest()) })
	r.GET("/precache.json", func(c *gin.Context) { c.JSON(http.StatusOK, pwa.NewPrecache(s.cacheVer)) })

	api := r.Group("/api")
	api.GET("/status", s.status)
	api.GET("/rooms", s.listRooms)
	api.POST("/rooms", s.createRoom)
	api.PUT("/room", s.setRoom)
	api.GET("/games", s.listGames)
	api.POST("/games", s.newGame)
	api.POST("/games/:id/open", s.openGame)
	api.GET("/current", s.current)
	api.DELETE("/current", s.closeCurrent)
	api.POST("/current/rounds", s.addRound)
	api.POST("/current/end", s.endGame)
	api.GET("/install", s.installState)
	api.POST("/install", s.markInstalled)
	api.GET("/feed", gin.WrapH(s.hub))
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

type statusResponse struct {
	Connectivity connectivity.State `json:"connectivity"`
	Room         string             `json:"room"`
	RoomBadge    string             `json:"roomBadge"`
	Pending      int                `json:"pending"`
	Notice       string             `json:"notice"`
	FeedClients  int                `json:"feedClients"`
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	st := s.monitor.State()
	room := s.coord.Room()
	notice := s.messages.Text("sync.online", nil, "online")
	if !st.Online {
		notice = s.messages.Text("sync.offline", nil, "offline")
	}
	c.JSON(http.StatusOK, statusResponse{
		Connectivity: st,
		Room:         room,
		RoomBadge:    s.messages.Text("room.badge", map[string]any{"Room": room}, room),
		Pending:      len(s.local.Pending(ctx)),
		Notice:       notice,
		FeedClients:  s.hub.Clients(),
	})
}

// listRooms falls back to the current room when the backend cannot be read.
func (s *Server) listRooms(c *gin.Context) {
	current := s.coord.Room()
	rooms, err := s.rooms.ListRooms(c.Request.Context())
	if err != nil {
		s.logger.Warn("http_list_rooms_failed", zap.Error(err))
		rooms = []string{current}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "current": current})
}

type roomRequest struct {
	Room string `json:"room"`
}

// createRoom is the one operation where a remote failure reaches the caller.
func (s *Server) createRoom(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Room) == "" {
		errorResponse(c, http.StatusBadRequest, "room is required")
		return
	}
	if !s.monitor.IsOnline() {
		errorResponse(c, http.StatusServiceUnavailable, s.messages.Text("room.create_failed", nil, "cannot create room while offline"))
		return
	}
	id, err := s.rooms.EnsureRoom(c.Request.Context(), req.Room)
	if err != nil {
		s.logger.Warn("http_create_room_failed", zap.String("room", req.Room), zap.Error(err))
		s.monitor.ReportFault(err)
		s.handleError(c, err, s.messages.Text("room.create_failed", nil, "cannot create room"))
		return
	}
	room := s.coord.SetRoom(c.Request.Context(), id)
	c.JSON(http.StatusCreated, gin.H{"room": room})
}

func (s *Server) setRoom(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid body")
		return
	}
	room := s.coord.SetRoom(c.Request.Context(), req.Room)
	c.JSON(http.StatusOK, gin.H{"room": room})
}

func (s *Server) listGames(c *gin.Context) {
	snap := s.coord.Games(c.Request.Context())
	games := snap.Games
	if games == nil {
		games = []*game.Record{}
	}
	resp := gin.H{"room": snap.Room, "source": snap.Source, "games": games}
	if snap.Err != nil {
		resp["error"] = snap.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

type newGameRequest struct {
	Players []string `json:"players"`
}

func (s *Server) newGame(c *gin.Context) {
	var req newGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid body")
		return
	}
	rec, err := s.scoring.NewGame(c.Request.Context(), req.Players)
	if err != nil {
		s.handleError(c, err, "")
		return
	}
	s.watchCurrent(c.Request.Context())
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) openGame(c *gin.Context) {
	rec, err := s.scoring.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err, "")
		return
	}
	s.watchCurrent(c.Request.Context())
	c.JSON(http.StatusOK, rec)
}

func (s *Server) current(c *gin.Context) {
	rec, err := s.scoring.Current(c.Request.Context())
	if err != nil {
		s.handleError(c, err, s.messages.Text("game.no_current", nil, ""))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) closeCurrent(c *gin.Context) {
	s.scoring.CloseCurrent(c.Request.Context())
	c.Status(http.StatusNoContent)
}

type roundRequest struct {
	Index  *int         `json:"index"`
	Scores []game.Score `json:"scores"`
}

func (s *Server) addRound(c *gin.Context) {
	var req roundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid body")
		return
	}
	rec, err := s.scoring.AddOrEditRound(c.Request.Context(), req.Index, req.Scores)
	if err != nil {
		msg := ""
		switch {
		case errors.Is(err, scoring.ErrGameEnded):
			msg = s.messages.Text("game.ended", nil, "")
		case errors.Is(err, scoring.ErrWriteInFlight):
			msg = s.messages.Text("game.save_busy", nil, "")
		}
		s.handleError(c, err, msg)
		return
	}
	s.watchCurrent(c.Request.Context())
	c.JSON(http.StatusOK, rec)
}

func (s *Server) endGame(c *gin.Context) {
	res, err := s.scoring.EndGame(c.Request.Context())
	if err != nil {
		s.handleError(c, err, s.messages.Text("game.end_failed", nil, ""))
		return
	}
	c.JSON(http.StatusOK, res)
}

// watchCurrent forwards remote edits of the open game to feed clients. A game
// that never reached the backend is picked up by the next successful write.
func (s *Server) watchCurrent(ctx context.Context) {
	err := s.scoring.WatchCurrent(context.WithoutCancel(ctx), s.hub.PublishCurrent)
	if err != nil && !errors.Is(err, scoring.ErrNotSynced) {
		s.logger.Debug("http_watch_current_failed", zap.Error(err))
	}
}

func (s *Server) installState(c *gin.Context) {
	standalone := c.Query("standalone") == "1" || c.Query("standalone") == "true"
	st := pwa.State(c.Request.Context(), s.local, c.Request.UserAgent(), standalone)
	c.JSON(http.StatusOK, gin.H{
		"installed":  st.Installed,
		"ios":        st.IOS,
		"showButton": st.ShowButton,
		"label":      s.messages.Text(st.ButtonKey, nil, "Install"),
	})
}

func (s *Server) markInstalled(c *gin.Context) {
	pwa.MarkInstalled(c.Request.Context(), s.local)
	c.JSON(http.StatusOK, gin.H{"installed": true, "message": s.messages.Text("install.done", nil, "")})
}
