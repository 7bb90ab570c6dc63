package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/appctx"
	"bitbucket.org/mmdatafocus/tcgpos_sync/cloudclient"
	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"bitbucket.org/mmdatafocus/tcgpos_sync/proofstore"
	"bitbucket.org/mmdatafocus/tcgpos_sync/runlock"
	"bitbucket.org/mmdatafocus/tcgpos_sync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Runtime holds everything built from one AgentConfig.
type Runtime struct {
	Config     config.AgentConfig
	DB         *gorm.DB
	Repo       *models.PosSyncRepo
	Cloud      *cloudclient.Client
	Replicator *possync.Replicator
	Flusher    *possync.Flusher
	Agent      *Agent
	Logger     *logrus.Logger

	closers []func() error
}

// Build opens the local store, runs migrations and wires the engine to the cloud.
func Build(ctx context.Context, cfg config.AgentConfig, logger *logrus.Logger) (*Runtime, error) {
	if logger == nil {
		logger = config.GetLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := config.OpenSQLiteWithRetry(ctx, cfg.DBPath, cfg.DBOpenAttempts)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, DB: db, Logger: logger}
	rt.closers = append(rt.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if err := rt.build(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context) error {
	cfg, logger := rt.Config, rt.Logger

	if err := models.MigrateTable(rt.DB); err != nil {
		return err
	}
	if cfg.AutoBackfill {
		if _, err := RunBackfill(ctx, rt.DB, logger); err != nil {
			return err
		}
	}
	if cfg.TerminalId != "" {
		if err := rt.DB.Use(config.NewTerminalScopePlugin()); err != nil {
			return fmt.Errorf("install terminal scope: %w", err)
		}
	}

	cloud, err := cloudclient.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	rt.Cloud = cloud

	proofs, err := rt.proofUploader(ctx)
	if err != nil {
		return err
	}

	engineCfg := possync.NewConfig(possync.Config{
		PageSize:      cfg.PageSize,
		ManifestLimit: cfg.ManifestLimit,
		BatchSize:     cfg.BatchSize,
		MaxRetries:    cfg.MaxRetries,
		BaseBackoff:   cfg.BaseBackoff,
		MaxBackoff:    cfg.MaxBackoff,
		MaxJitter:     cfg.Jitter,
		LongFloor:     cfg.LongFloor,
	}, cfg.RetriableCodes...)

	rt.Repo = models.NewPosSyncRepo(rt.DB)
	projector := possync.NewProjector(rt.DB, logger)
	rt.Replicator = possync.NewReplicator(cloud, rt.Repo, projector, engineCfg, possync.SystemClock{}, logger)

	flusher := possync.NewFlusher(rt.Repo, cloud, engineCfg, logger)
	flusher.Proofs = proofs
	flusher.Inventory = models.NewInventoryRepo(rt.DB)
	flusher.Sales = models.NewSaleRepo(rt.DB)
	flusher.Auth = models.NewTerminalAuthStore(rt.DB)
	flusher.ProofMaxWidth = cfg.ProofImageMaxWidth
	rt.Flusher = flusher

	if err := config.ConnectRedisWithRetry(ctx, cfg.RedisAddress, 3); err != nil {
		return err
	}
	if cfg.RedisAddress != "" {
		rt.closers = append(rt.closers, config.CloseRedis)
	}
	terminal := cfg.TerminalId
	if terminal == "" {
		terminal = "default"
	}
	locker := runlock.New(config.GetRedisLock(), "tcgpos:run:"+terminal+":", logger)

	rt.Agent = New(rt.Replicator, rt.Flusher, locker, cfg, logger)
	return nil
}

func (rt *Runtime) proofUploader(ctx context.Context) (possync.ProofUploader, error) {
	cfg := rt.Config
	var store proofstore.ObjectStore
	switch utils.NormalizeStorageProvider(cfg.StorageProvider) {
	case utils.StorageProviderCloud:
		return rt.Cloud, nil
	case utils.StorageProviderGCS:
		gcs, err := proofstore.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsJSON)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, gcs.Close)
		store = gcs
	case utils.StorageProviderDO:
		spaces, err := proofstore.NewSpacesStore(proofstore.SpacesOptions{
			Endpoint:        cfg.SpacesURL,
			Bucket:          cfg.SpacesBucket,
			AccessKeyId:     cfg.SpacesAccessKeyId,
			SecretAccessKey: cfg.SpacesSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		store = spaces
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
	return &proofstore.Uploader{
		Store:    store,
		Attacher: rt.Cloud,
		URLs: utils.ObjectURLConfig{
			AccessBaseURL: cfg.StorageAccessBaseURL,
			GCSBucket:     cfg.GCSBucket,
			SpacesURL:     cfg.SpacesURL,
			SpacesBucket:  cfg.SpacesBucket,
		},
		TerminalId: cfg.TerminalId,
		Logger:     rt.Logger,
	}, nil
}

// Context returns ctx carrying this terminal's identity, for callers outside the agent loops.
func (rt *Runtime) Context(ctx context.Context) context.Context {
	return rt.Agent.scope(ctx)
}

// Close releases resources in reverse build order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// RunBackfill applies the one-time legacy cloud id backfill across all terminals.
func RunBackfill(ctx context.Context, db *gorm.DB, logger *logrus.Logger) (models.BackfillResult, error) {
	ctx = appctx.Set(ctx, appctx.ContextKeySkipTerminalScope, true)
	res, err := models.BackfillLegacyCloudIds(ctx, db, time.Now().UTC())
	if err != nil {
		config.LogError(logger, "agent", "RunBackfill", "legacy cloud id backfill", nil, err)
		return res, err
	}
	if res.Applied {
		logger.WithFields(logrus.Fields{
			"field":     "Agent",
			"cloud_ids": res.CloudIds,
			"mappings":  res.Mappings,
		}).Info("legacy cloud id backfill applied")
	}
	return res, nil
}
