package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Bshisia/community-hope/internal/backup"
	"github.com/Bshisia/community-hope/internal/config"
	"github.com/Bshisia/community-hope/internal/database"
	"github.com/Bshisia/community-hope/internal/donation"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/ledger/dynamostore"
	"github.com/Bshisia/community-hope/internal/ledger/sqlstore"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gorm.io/gorm"
)

// app is the shared runtime every command starts from.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *gorm.DB
	store     ledger.Store
	donations *donation.Manager

	logCloser io.Closer
}

// openApp loads the config, opens the SQLite database (admins, sessions,
// audit logs and the backup index always live there) and builds the
// configured ledger backend.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.Read(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	logger, closer, err := util.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.Init(cfg.Database)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		_ = closer.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store, err := newLedger(ctx, cfg, db)
	if err != nil {
		_ = database.Close(db)
		_ = closer.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     store,
		donations: donation.NewManager(store, cfg.Security.EncryptionKey, donation.WithLogger(logger)),
		logCloser: closer,
	}, nil
}

func (a *app) Close() error {
	return errors.Join(database.Close(a.db), a.logCloser.Close())
}

// newLedger returns the one authoritative store selected by ledger.backend.
func newLedger(ctx context.Context, cfg *config.Config, db *gorm.DB) (ledger.Store, error) {
	if cfg.Ledger.Backend != "dynamodb" {
		return sqlstore.New(db), nil
	}

	dc := cfg.Ledger.DynamoDB
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(dc.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if dc.Endpoint != "" {
			o.BaseEndpoint = aws.String(dc.Endpoint)
		}
	})
	return dynamostore.New(client, dc.Table), nil
}

// newBackupSink uploads to S3 when a bucket is configured, else writes to backup.dir.
func newBackupSink(ctx context.Context, cfg config.BackupConfig) (backup.Sink, error) {
	if cfg.S3Bucket == "" {
		return backup.LocalSink{Dir: cfg.Dir}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return backup.S3Sink{
		Client: s3.NewFromConfig(awsCfg),
		Bucket: cfg.S3Bucket,
		Prefix: cfg.S3Prefix,
	}, nil
}
