package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/othelnet/othelnet/internal/core"
	"github.com/othelnet/othelnet/internal/core/data"
	"github.com/othelnet/othelnet/internal/core/debug"
	"github.com/othelnet/othelnet/internal/gameserver"
	"github.com/othelnet/othelnet/internal/registry"
)

// Controller is the main entrypoint for the server. It's responsible for
// initializing any shared resources (such as the database and logging),
// defining the servers, and launching everything.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	wg     sync.WaitGroup

	db      *gorm.DB
	servers []*frontend
}

func (c *Controller) Start(ctx context.Context) error {
	defer c.Shutdown()

	var err error
	// Set up the logger, which will be used by all server components.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.Enabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	// The match history store is optional; games play fine without it.
	if c.Config.Database.Engine != "" {
		c.db, err = data.Initialize(c.Config, c.Config.Debugging.Enabled)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		c.logger.Infof("match history store ready (%s)", c.Config.Database.Engine)
	} else {
		c.logger.Info("match history store disabled")
	}

	c.declareServers()
	return c.run(ctx)
}

// declareServers sets up all of the servers we want to run.
func (c *Controller) declareServers() {
	c.servers = []*frontend{
		{
			Address: c.Config.GameServerAddress(),
			Backend: &gameserver.Server{
				Name:     "GAME",
				Config:   c.Config,
				Logger:   c.logger,
				Registry: registry.New(c.logger),
				DB:       c.db,
			},
		},
	}
}

func (c *Controller) run(ctx context.Context) error {
	// Start all of our servers. Failure to initialize one of the
	// registered servers is considered terminal.
	for _, server := range c.servers {
		server.Config = c.Config
		server.Logger = c.logger

		if err := server.Start(ctx, &c.wg); err != nil {
			return fmt.Errorf("error starting %s server: %w", server.Backend.Identifier(), err)
		}
	}

	c.wg.Wait()
	return ctx.Err()
}

func (c *Controller) Shutdown() {
	c.wg.Wait()

	if c.db != nil {
		if err := data.Shutdown(c.db); err != nil {
			c.logger.Warnf("error closing database: %v", err)
		}
	}
}
