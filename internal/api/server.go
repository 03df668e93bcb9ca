// Package api exposes the admin and status HTTP plane.
package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/stratumdb/stratum/internal/admin"
	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/logger"
	"github.com/stratumdb/stratum/internal/metrics"
)

// Server is the HTTP control plane.
type Server struct {
	app      *fiber.App
	admin    *admin.Manager
	database *db.DB
	addr     string
	logger   zerolog.Logger
}

// Config holds API server configuration.
type Config struct {
	Host     string
	Port     int
	Admin    *admin.Manager
	Database *db.DB
	Logger   zerolog.Logger
}

// NewServer builds the HTTP server and registers its routes.
func NewServer(cfg Config) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "stratum",
	})

	s := &Server{
		app:      app,
		admin:    cfg.Admin,
		database: cfg.Database,
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger:   cfg.Logger.With().Str("component", "api").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.app.Group("/api/v1")

	v1.Get("/status", s.status)
	v1.Get("/stats", s.stats)
	v1.Get("/logs", s.logs)

	v1.Post("/accounts", s.newAccount)
	v1.Get("/accounts", s.listAccounts)
	v1.Post("/accounts/:name/password", s.changePassword)
	v1.Delete("/accounts/:name", s.dropAccount)

	v1.Post("/databases", s.newDatabase)
	v1.Get("/databases", s.listDatabases)
}

// Listen serves until Close. Blocks.
func (s *Server) Listen() error {
	s.logger.Info().Str("addr", s.addr).Msg("HTTP API listening")
	return s.app.Listen(s.addr)
}

// Close shuts down the HTTP server.
func (s *Server) Close() error {
	return s.app.Shutdown()
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "ok",
		"database":        s.database.Name,
		"precision":       string(s.database.Precision),
		"pool":            s.database.Pools.OwnPool(),
		"pools":           s.database.Pools.Len(),
		"reindexing":      s.database.Pools.Reindexing(),
		"received_points": s.database.ReceivedPoints(),
	})
}

func (s *Server) stats(c *fiber.Ctx) error {
	return c.JSON(metrics.Get().Stats())
}

func (s *Server) logs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	return c.JSON(logger.GetBuffer().Recent(limit))
}

type accountRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (s *Server) newAccount(c *fiber.Ctx) error {
	var req accountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if _, err := s.admin.NewAccount(req.Name, req.Password); err != nil {
		return adminError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": fmt.Sprintf("account '%s' created", req.Name)})
}

func (s *Server) listAccounts(c *fiber.Ctx) error {
	names, err := s.admin.ListAccounts()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"accounts": names})
}

func (s *Server) changePassword(c *fiber.Ctx) error {
	var req accountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if _, err := s.admin.ChangePassword(c.Params("name"), req.Password); err != nil {
		return adminError(c, err)
	}
	return c.JSON(fiber.Map{"success": "password changed"})
}

func (s *Server) dropAccount(c *fiber.Ctx) error {
	if _, err := s.admin.DropAccount(c.Params("name")); err != nil {
		return adminError(c, err)
	}
	return c.JSON(fiber.Map{"success": "account dropped"})
}

type databaseRequest struct {
	Name          string `json:"name"`
	Precision     string `json:"precision"`
	ShardDuration int64  `json:"shard_duration"`
}

func (s *Server) newDatabase(c *fiber.Ctx) error {
	var req databaseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if _, err := s.admin.NewDatabase(req.Name, req.Precision, req.ShardDuration); err != nil {
		return adminError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": fmt.Sprintf("database '%s' created", req.Name)})
}

func (s *Server) listDatabases(c *fiber.Ctx) error {
	infos, err := s.admin.ListDatabases()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"databases": infos})
}

func adminError(c *fiber.Ctx, err error) error {
	status := fiber.StatusBadRequest
	switch {
	case errors.Is(err, admin.ErrAccountNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, admin.ErrAccountExists), errors.Is(err, admin.ErrDatabaseExists):
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
