package controlplane

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/cardsync/internal/directory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultRateLimit = 50

type RouteConfig struct {
	Token string
	// RateLimit is requests per second per client. Zero uses the default.
	RateLimit int64
}

func SetupRoutes(registry *directory.Registry, cfg RouteConfig) http.Handler {
	r := gin.New()

	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}

	h := NewHandler(registry)

	r.Use(gin.Recovery())
	r.Use(Logger())
	r.Use(CORS())
	r.Use(Gzip())
	r.Use(RateLimit(rateLimit))

	r.GET("/", h.Index)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(cfg.Token))
	{
		v1.GET("/directories", h.ListDirectories)
		v1.POST("/directories/:name/sync", h.SyncDirectory)

		cards := v1.Group("/directories/:name/cards")
		{
			cards.GET("", h.ListCards)
			cards.POST("", h.CreateCard)
			cards.GET("/:uid", h.GetCard)
			cards.PUT("/:uid", h.UpdateCard)
			cards.DELETE("/:uid", h.DeleteCard)
		}

		v1.GET("/events", h.Events)
		v1.GET("/events/ws", h.EventsWS)
	}

	r.NoRoute(func(c *gin.Context) {
		AbortWithError(c, http.StatusNotFound, ErrCodeBadRequest, errors.New("not found"))
	})

	r.NoMethod(func(c *gin.Context) {
		AbortWithError(c, http.StatusMethodNotAllowed, ErrCodeBadRequest, errors.New("method not allowed"))
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
