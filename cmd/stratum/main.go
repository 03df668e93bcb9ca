package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/internal/admin"
	"github.com/stratumdb/stratum/internal/api"
	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/logger"
	"github.com/stratumdb/stratum/internal/pool"
	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/replica"
	"github.com/stratumdb/stratum/internal/scheduler"
	"github.com/stratumdb/stratum/internal/series"
	"github.com/stratumdb/stratum/internal/server"
	"github.com/stratumdb/stratum/internal/shard"
	"github.com/stratumdb/stratum/internal/shutdown"
	"github.com/stratumdb/stratum/internal/transport"
	"github.com/stratumdb/stratum/internal/wal"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting stratum")

	registry, ownPoolMate, err := buildRegistry(cfg.Cluster)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cluster configuration")
	}

	peers := transport.NewClient(transport.ClientConfig{
		DialTimeout:     time.Duration(cfg.Cluster.DialTimeoutMS) * time.Millisecond,
		ResponseTimeout: time.Duration(cfg.Cluster.ResponseTimeoutMS) * time.Millisecond,
		QueueSize:       cfg.Cluster.SendQueueSize,
		Logger:          logger.Get("transport"),
	}, registry)

	dataDir := filepath.Join(cfg.Database.DataDir, cfg.Database.Name)
	engine, err := shard.NewEngine(shard.Config{
		Dir:            filepath.Join(dataDir, "shards"),
		Duration:       cfg.Database.ShardDuration,
		FlushThreshold: cfg.Database.FlushThreshold,
		WAL: wal.WriterConfig{
			Dir:          cfg.WAL.Dir,
			SyncMode:     wal.SyncMode(cfg.WAL.SyncMode),
			MaxSizeBytes: cfg.WAL.MaxSizeMB * 1024 * 1024,
			SyncInterval: time.Duration(cfg.WAL.SyncMS) * time.Millisecond,
			SyncBytes:    cfg.WAL.SyncBytes,
			Logger:       logger.Get("wal"),
		},
		Logger: logger.Get("shard"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage engine")
	}

	database, err := db.New(db.Config{
		Name:      cfg.Database.Name,
		Precision: db.Precision(cfg.Database.Precision),
		Logger:    logger.Get("db"),
	}, series.NewIndex(), engine, registry, peers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build database")
	}

	if ownPoolMate != nil {
		rep, err := replica.New(replica.Config{
			Dir:           cfg.Replica.Dir,
			DrainInterval: time.Duration(cfg.Replica.DrainIntervalMS) * time.Millisecond,
			Logger:        logger.Get("replica"),
		}, func(pkt *protocol.Packet) error {
			resp, err := peers.SendToServerSync(ownPoolMate, pkt)
			if err != nil {
				return err
			}
			if resp.Tp() != protocol.AckInsert {
				return fmt.Errorf("replica answered with packet type %d", resp.Tp())
			}
			return nil
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open replica queue")
		}
		database.Replica = rep
		defer rep.Close()
	}

	adminMgr, err := admin.NewManager(cfg.Admin.DBPath, cfg.Database.DataDir, logger.Get("admin"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open admin store")
	}

	listener := server.NewListener(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxPayloadSize: cfg.Server.MaxPayloadSize,
		Logger:         logger.Get("server"),
	}, database)
	if err := listener.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start binary port")
	}

	httpServer := api.NewServer(api.Config{
		Host:     cfg.HTTP.Host,
		Port:     cfg.HTTP.Port,
		Admin:    adminMgr,
		Database: database,
		Logger:   logger.Get("api"),
	})
	go func() {
		if err := httpServer.Listen(); err != nil {
			log.Error().Err(err).Msg("HTTP API stopped")
		}
	}()

	coordinator := shutdown.NewCoordinator(30*time.Second, logger.Get("shutdown"))
	coordinator.Register("http-api", httpServer, 10)
	coordinator.Register("listener", listener, 20)
	coordinator.Register("transport", peers, 30)
	coordinator.Register("storage", engine, 40)
	coordinator.Register("admin", adminMgr, 50)

	if cfg.Retention.Schedule != "" {
		retention, err := scheduler.NewRetentionScheduler(scheduler.RetentionConfig{
			Engine:   engine,
			Database: database,
			Schedule: cfg.Retention.Schedule,
			MaxAgeS:  cfg.Retention.MaxAgeS,
			Logger:   logger.Get("scheduler"),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid retention schedule")
		}
		if err := retention.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start retention scheduler")
		}
		coordinator.Register("retention", retention, 15)
	}

	log.Info().
		Str("database", database.Name).
		Uint16("pool", registry.OwnPool()).
		Int("pools", registry.Len()).
		Msg("Node ready")

	coordinator.Wait()
}

// buildRegistry parses the cluster server list ("pool:name:host:port" per
// entry) into the pool registry. Returns the pool-mate server when this
// node's pool has two members.
func buildRegistry(cfg config.ClusterConfig) (*pool.Registry, *pool.Server, error) {
	byPool := make(map[uint16][]*pool.Server)
	maxPool := -1
	var own *pool.Server

	for _, entry := range cfg.Servers {
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) != 4 {
			return nil, nil, fmt.Errorf("invalid cluster server entry %q (want pool:name:host:port)", entry)
		}
		p, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid pool id in %q: %w", entry, err)
		}
		srv := &pool.Server{
			ID:   uuid.New(),
			Name: parts[1],
			Addr: net.JoinHostPort(parts[2], parts[3]),
			Pool: uint16(p),
		}
		byPool[srv.Pool] = append(byPool[srv.Pool], srv)
		if int(p) > maxPool {
			maxPool = int(p)
		}
		if srv.Name == cfg.OwnName {
			own = srv
		}
	}

	if own == nil {
		return nil, nil, fmt.Errorf("own name %q not found in cluster servers", cfg.OwnName)
	}

	pools := make([]*pool.Pool, maxPool+1)
	for i := range pools {
		servers, ok := byPool[uint16(i)]
		if !ok {
			return nil, nil, fmt.Errorf("pool %d has no servers", i)
		}
		pools[i] = &pool.Pool{ID: uint16(i), Servers: servers}
	}

	registry, err := pool.NewRegistry(pools, own.Pool, own)
	if err != nil {
		return nil, nil, err
	}

	var mate *pool.Server
	for _, srv := range byPool[own.Pool] {
		if srv != own {
			mate = srv
		}
	}
	return registry, mate, nil
}
