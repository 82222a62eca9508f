package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog/log"

	"github.com/AK47-U/Nifty-OB/internal/config"
	"github.com/AK47-U/Nifty-OB/internal/database"
	"github.com/AK47-U/Nifty-OB/internal/engine"
	"github.com/AK47-U/Nifty-OB/internal/market"
)

// Repository is the read-only slice of the store the API serves
type Repository interface {
	Stats(windowDays int) (*database.Stats, error)
	LatestMarketStructure(symbol string) (*database.MarketStructure, error)
}

// FeedStatus exposes the live feed's health for the health endpoint
type FeedStatus interface {
	Status() string
	Connected() bool
	TicksReceived() uint64
	Reconnects() uint64
}

// Server is the HTTP and websocket surface of the engine. All handlers
// are read-only; the pipeline is driven by the scheduler, never by HTTP.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	repo    Repository
	state   *engine.State
	buffers map[string]*market.Buffer
	feed    FeedStatus
	hub     *Hub
}

func NewServer(cfg *config.Config, repo Repository, state *engine.State, buffers map[string]*market.Buffer, feed FeedStatus, hub *Hub) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Nifty-OB API",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return errJSON(c, code, "internal", err.Error())
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))

	s := &Server{
		app:     app,
		cfg:     cfg,
		repo:    repo,
		state:   state,
		buffers: buffers,
		feed:    feed,
		hub:     hub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")
	api.Get("/health", s.health)
	api.Get("/candles", s.candles)
	api.Get("/levels", s.levels)
	api.Get("/stats", s.stats)

	s.app.Get("/ws/stream", websocket.New(s.stream))

	s.app.Use(func(c *fiber.Ctx) error {
		return errJSON(c, fiber.StatusNotFound, "not_found", c.Path())
	})
}

// Start blocks serving HTTP until Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	log.Info().Str("addr", addr).Msg("🌐 API server started")
	return s.app.Listen(addr)
}

// Shutdown drains connections and stops the listener
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// errJSON writes the uniform failure shape
func errJSON(c *fiber.Ctx, status int, kind, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"kind": kind, "message": message},
	})
}
