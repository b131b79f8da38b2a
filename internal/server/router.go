package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lockstep/internal/commands"
	"github.com/MarcoPoloResearchLab/lockstep/internal/eventlog"
	"github.com/MarcoPoloResearchLab/lockstep/internal/layers"
	"github.com/MarcoPoloResearchLab/lockstep/internal/nodes"
	"github.com/MarcoPoloResearchLab/lockstep/internal/scene"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "lockstep_subject"

var (
	errMissingStore         = errors.New("event log store dependency required")
	errMissingPublisher     = errors.New("publisher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates control API bearer tokens. When absent the mutating
// endpoints run unauthenticated, which is only sensible on a loopback bind.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// CursorReader reports the local poller's position for the status endpoint.
type CursorReader interface {
	NodeID() string
	Cursor() uint64
}

// Dependencies wires the control API's collaborators. Store and Publisher
// are required; the rest are optional capabilities.
type Dependencies struct {
	Store        *eventlog.Store
	Publisher    *commands.Publisher
	NodeRegistry *nodes.Service
	Scene        *scene.Collection
	Cursor       CursorReader
	Dispatcher   *Dispatcher
	TokenManager TokenManager
	Logger       *zap.Logger
}

// NewHTTPHandler builds the control API router: session inspection for
// operators plus a producer surface for publishing commands.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Publisher == nil {
		return nil, errMissingPublisher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:      deps.Store,
		publisher:  deps.Publisher,
		registry:   deps.NodeRegistry,
		scene:      deps.Scene,
		cursor:     deps.Cursor,
		dispatcher: deps.Dispatcher,
		tokens:     deps.TokenManager,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/sessions", handler.handleSessions)
	router.GET("/sessions/:name/status", handler.handleSessionStatus)
	if deps.Dispatcher != nil {
		router.GET("/sessions/:name/stream", handler.handleSessionStream)
	}

	mutating := router.Group("/")
	mutating.Use(handler.authorizeRequest)
	mutating.POST("/sessions/:name/commands", handler.handleCommand)
	mutating.DELETE("/sessions/:name", handler.handlePurgeSession)

	return router, nil
}

type httpHandler struct {
	store      *eventlog.Store
	publisher  *commands.Publisher
	registry   *nodes.Service
	scene      *scene.Collection
	cursor     CursorReader
	dispatcher *Dispatcher
	tokens     TokenManager
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sessionPayload struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

func (h *httpHandler) handleSessions(c *gin.Context) {
	sessions, err := h.store.Sessions(c.Request.Context())
	if err != nil {
		h.logger.Error("session list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_list_failed"})
		return
	}
	response := make([]sessionPayload, 0, len(sessions))
	for _, session := range sessions {
		response = append(response, sessionPayload{ID: session.ID, Name: session.Name})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": response})
}

type nodePayload struct {
	NodeID   string `json:"node_id"`
	Name     string `json:"name,omitempty"`
	LastSeen int64  `json:"last_seen_s"`
}

type statusPayload struct {
	Session     sessionPayload   `json:"session"`
	Tail        uint64           `json:"tail"`
	LocalNodeID string           `json:"local_node_id,omitempty"`
	LocalCursor uint64           `json:"local_cursor,omitempty"`
	Layers      []layerPayload   `json:"layers,omitempty"`
	Animating   bool             `json:"animating"`
	Nodes       []nodePayload    `json:"nodes,omitempty"`
	Animation   animationPayload `json:"animation"`
}

func (h *httpHandler) handleSessionStatus(c *gin.Context) {
	name, err := eventlog.NewSessionName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session"})
		return
	}

	session, found, err := h.store.FindSession(c.Request.Context(), name)
	if err != nil {
		h.logger.Error("session lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	tail, err := h.store.Tail(c.Request.Context(), session.ID)
	if err != nil {
		h.logger.Error("session tail failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_tail_failed"})
		return
	}

	response := statusPayload{
		Session: sessionPayload{ID: session.ID, Name: session.Name},
		Tail:    tail,
	}
	if h.cursor != nil {
		response.LocalNodeID = h.cursor.NodeID()
		response.LocalCursor = h.cursor.Cursor()
	}
	if h.scene != nil {
		for _, descriptor := range h.scene.Layers() {
			response.Layers = append(response.Layers, layerPayloadFromDescriptor(descriptor))
		}
		animating, settings := h.scene.Animating()
		response.Animating = animating
		response.Animation = animationPayloadFromSettings(settings)
	}
	if h.registry != nil {
		known, err := h.registry.List(c.Request.Context())
		if err == nil {
			for _, node := range known {
				response.Nodes = append(response.Nodes, nodePayload{
					NodeID:   node.NodeID,
					Name:     node.Name,
					LastSeen: node.LastSeenAt.Unix(),
				})
			}
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSessionStream(c *gin.Context) {
	session := strings.TrimSpace(c.Param("name"))
	if session == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session"})
		return
	}

	stream, cancel := h.dispatcher.Subscribe(c.Request.Context(), session)
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case notice, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent("applied", gin.H{
				"event_id": notice.EventID,
				"type":     notice.EventType,
				"time_s":   notice.Timestamp.Unix(),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type layerPayload struct {
	Kind      string  `json:"kind"`
	Name      string  `json:"name"`
	Color     string  `json:"color,omitempty"`
	Size      float64 `json:"size,omitempty"`
	Table     string  `json:"table,omitempty"`
	Query     string  `json:"query,omitempty"`
	MinLon    float64 `json:"min_lon,omitempty"`
	MinLat    float64 `json:"min_lat,omitempty"`
	MaxLon    float64 `json:"max_lon,omitempty"`
	MaxLat    float64 `json:"max_lat,omitempty"`
	TimeFirst string  `json:"time_first,omitempty"`
	TimeLast  string  `json:"time_last,omitempty"`
}

func layerPayloadFromDescriptor(descriptor layers.Descriptor) layerPayload {
	return layerPayload{
		Kind:      string(descriptor.Kind),
		Name:      descriptor.Name,
		Color:     descriptor.Style.Color,
		Size:      descriptor.Style.Size,
		Table:     descriptor.Source.Table,
		Query:     descriptor.Source.Query,
		MinLon:    descriptor.Extent.MinLon,
		MinLat:    descriptor.Extent.MinLat,
		MaxLon:    descriptor.Extent.MaxLon,
		MaxLat:    descriptor.Extent.MaxLat,
		TimeFirst: descriptor.TimeSpan.First,
		TimeLast:  descriptor.TimeSpan.Last,
	}
}

func (p layerPayload) toDescriptor() layers.Descriptor {
	return layers.Descriptor{
		Kind:     layers.Kind(p.Kind),
		Name:     p.Name,
		Style:    layers.Style{Color: p.Color, Size: p.Size},
		Source:   layers.Source{Table: p.Table, Query: p.Query},
		Extent:   layers.Extent{MinLon: p.MinLon, MinLat: p.MinLat, MaxLon: p.MaxLon, MaxLat: p.MaxLat},
		TimeSpan: layers.TimeSpan{First: p.TimeFirst, Last: p.TimeLast},
	}
}

type animationPayload struct {
	Speed         float64 `json:"speed"`
	Accumulate    bool    `json:"accumulate"`
	DateTimeStep  bool    `json:"date_time_step"`
	TimeWindow    bool    `json:"time_window"`
	NumDaysToShow int     `json:"num_days_to_show"`
}

func animationPayloadFromSettings(settings layers.AnimationSettings) animationPayload {
	return animationPayload{
		Speed:         settings.Speed,
		Accumulate:    settings.Accumulate,
		DateTimeStep:  settings.DateTimeStep,
		TimeWindow:    settings.TimeWindow,
		NumDaysToShow: settings.NumDaysToShow,
	}
}

func (p animationPayload) toSettings() layers.AnimationSettings {
	return layers.AnimationSettings{
		Speed:         p.Speed,
		Accumulate:    p.Accumulate,
		DateTimeStep:  p.DateTimeStep,
		TimeWindow:    p.TimeWindow,
		NumDaysToShow: p.NumDaysToShow,
	}
}

type moviePayload struct {
	Position string `json:"position"`
	Width    string `json:"width"`
	Height   string `json:"height"`
	Path     string `json:"path"`
}

type commandRequestPayload struct {
	Type      string            `json:"type"`
	Layer     *layerPayload     `json:"layer,omitempty"`
	Animation *animationPayload `json:"animation,omitempty"`
	Movie     *moviePayload     `json:"movie,omitempty"`
}

func (h *httpHandler) handleCommand(c *gin.Context) {
	name, err := eventlog.NewSessionName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session"})
		return
	}

	var request commandRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	command, err := parseCommand(request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_command"})
		return
	}

	receipt, err := h.publisher.Execute(c.Request.Context(), name, command)
	if err != nil {
		if errors.Is(err, commands.ErrInvalidCommand) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_command"})
			return
		}
		h.logger.Error("command execute failed",
			zap.String("command", command.Name()),
			zap.String("session", name.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "command_failed"})
		return
	}

	if receipt.Job != nil {
		c.JSON(http.StatusAccepted, gin.H{"job_id": receipt.Job.ID()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": receipt.Event.ID})
}

func (h *httpHandler) handlePurgeSession(c *gin.Context) {
	name, err := eventlog.NewSessionName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session"})
		return
	}

	session, found, err := h.store.FindSession(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	if err := h.store.PurgeSession(c.Request.Context(), session.ID); err != nil {
		h.logger.Error("session purge failed", zap.String("session", name.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purge_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": name.String()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func parseCommand(request commandRequestPayload) (commands.Command, error) {
	switch strings.ToLower(strings.TrimSpace(request.Type)) {
	case "add_layer":
		if request.Layer == nil {
			return nil, errors.New("layer payload required")
		}
		return commands.NewAddLayer(request.Layer.toDescriptor()), nil
	case "remove_layer":
		if request.Layer == nil {
			return nil, errors.New("layer payload required")
		}
		return commands.NewRemoveLayer(request.Layer.toDescriptor()), nil
	case "start_animation":
		if request.Animation == nil {
			return nil, errors.New("animation payload required")
		}
		return commands.NewStartAnimation(request.Animation.toSettings()), nil
	case "stop_animation":
		return commands.NewStopAnimation(), nil
	case "play_movie":
		if request.Movie == nil {
			return nil, errors.New("movie payload required")
		}
		position, err := layers.ParseVec3(request.Movie.Position)
		if err != nil {
			return nil, err
		}
		width, err := layers.ParseVec3(request.Movie.Width)
		if err != nil {
			return nil, err
		}
		height, err := layers.ParseVec3(request.Movie.Height)
		if err != nil {
			return nil, err
		}
		return commands.NewPlayMovie(layers.MovieClip{
			Position: position,
			Width:    width,
			Height:   height,
			Path:     request.Movie.Path,
		}), nil
	default:
		return nil, errors.New("unknown command type")
	}
}
