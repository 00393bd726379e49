package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/product-harvester/internal/browser"
	"github.com/maltedev/product-harvester/internal/captcha"
	"github.com/maltedev/product-harvester/internal/config"
	"github.com/maltedev/product-harvester/internal/credentials"
	"github.com/maltedev/product-harvester/internal/crossmarket"
	"github.com/maltedev/product-harvester/internal/database"
	"github.com/maltedev/product-harvester/internal/enrich"
	"github.com/maltedev/product-harvester/internal/images"
	"github.com/maltedev/product-harvester/internal/mirror"
	"github.com/maltedev/product-harvester/internal/ratelimit"
	"github.com/maltedev/product-harvester/internal/scraper"
	"github.com/maltedev/product-harvester/internal/sku"
	"github.com/maltedev/product-harvester/internal/storage"
)

// app holds the long-lived components shared by both run modes.
type app struct {
	browser *browser.Browser
	redis   *redis.Client
	db      *database.DB

	gate   *captcha.Gate
	store  *storage.Store
	images *images.Pipeline
	outbox *database.OutboxRepository
	runner *scraper.Runner

	closeOnce sync.Once
	logger    *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	browserOpts := browserOptions(cfg.Browser)

	profile, err := cfg.SourceProfile()
	if err != nil {
		return nil, fmt.Errorf("failed to load source profile: %w", err)
	}
	logger.Info("loaded site profile", "site", profile.Site)

	a.redis = connectRedis(ctx, cfg.Redis, logger)

	notifiers := captcha.Notifiers{captcha.LogNotifier{Logger: logger}}
	if a.redis != nil {
		notifiers = append(notifiers, captcha.NewRedisNotifier(a.redis, cfg.Redis.CaptchaChannel))
	}
	a.gate = captcha.NewGate(notifiers, profile.Waits.PageLoad, logger)

	var aws *credentials.AWSProvider
	if cfg.Images.Bucket != "" || cfg.Mirror.Enabled("dynamodb") {
		aws = loadAWS(ctx, cfg.AWS, logger)
	}

	var mirrors []storage.Mirror
	if cfg.Mirror.Enabled("dynamodb") && aws != nil {
		client := dynamodb.NewFromConfig(aws.Config())
		mirrors = append(mirrors, mirror.NewDynamoDB(client, aws, cfg.Mirror.DynamoTable, cfg.Mirror.DynamoTimeout))
	}

	if cfg.Mirror.Enabled("postgres") {
		a.db = openPostgres(ctx, cfg.Database, logger)
	}
	if a.db != nil {
		mirrors = append(mirrors, database.NewRecordRepository(a.db, cfg.Redis.RecordStream, cfg.Mirror.PostgresTimeout))
		a.outbox = database.NewOutboxRepository(a.db)

		if a.redis != nil {
			relay := database.NewRelay(a.outbox, a.redis, logger, database.RelayConfig{
				PollInterval: cfg.Redis.RelayInterval,
				BatchSize:    100,
				StreamMaxLen: int64(cfg.Redis.StreamMaxLen),
			})
			go func() {
				if err := relay.Start(ctx); err != nil && err != context.Canceled {
					logger.Error("relay stopped with error", "error", err)
				}
			}()
		}
	}

	records, err := storage.NewRecordStore(cfg.Storage.ProductCacheDir)
	if err != nil {
		return nil, err
	}
	index, err := storage.NewIndex(cfg.Storage.IndexFile)
	if err != nil {
		return nil, err
	}
	cache := images.NewCache(cfg.Storage.ImageCacheDir)
	a.store = storage.NewStore(records, index, cache, mirrors, logger)

	deps := scraper.Deps{
		Profile:    profile,
		Gate:       a.gate,
		Store:      a.store,
		Identities: index,
		SKU: sku.NewSampler(profile.SKU, sku.Options{
			SettleTimeout:   cfg.Scraper.PriceSettleTimeout,
			PollInterval:    cfg.Scraper.PricePollInterval,
			BetweenActions:  profile.Waits.BetweenActions,
			MaxCombinations: cfg.Scraper.MaxSKUCombinations,
		}, logger),
		Enricher: enrich.NewClient(enrich.Config{
			URL:               cfg.Enrichment.URL,
			APIKey:            cfg.Enrichment.APIKey,
			Timeout:           cfg.Enrichment.Timeout,
			RequestsPerMinute: cfg.Enrichment.RequestsPerMinute,
			ForbiddenMarkers:  cfg.Enrichment.ForbiddenMarkers,
		}, logger),
	}

	if cfg.Scraper.CompetitorEnabled {
		competitor, err := cfg.CompetitorProfile()
		if err != nil {
			return nil, fmt.Errorf("failed to load competitor profile: %w", err)
		}
		deps.Competitor = crossmarket.NewSampler(crossmarket.Settings{
			Site:           competitor.Site,
			SearchURL:      competitor.SearchURL,
			Listing:        competitor.Listing,
			Challenges:     competitor.Challenges,
			PageLoad:       competitor.Waits.PageLoad,
			MaxResults:     competitor.MaxResults,
			QueryMaxLength: competitor.QueryMaxLength,
		}, a.gate, logger)
	}

	if cfg.Images.Enabled {
		var publisher images.Publisher
		if aws != nil {
			client := s3.NewFromConfig(aws.Config(), func(o *s3.Options) {
				o.Region = cfg.Images.Region
			})
			publisher = images.NewS3Publisher(client, images.S3Config{
				Bucket:    cfg.Images.Bucket,
				Region:    cfg.Images.Region,
				CDNDomain: cfg.Images.CDNDomain,
				KeyPrefix: cfg.Images.KeyPrefix,
				Timeout:   cfg.Images.PublishTimeout,
			})
		}
		a.images = images.NewPipeline(images.Config{
			Size:    cfg.Images.TargetSize,
			Padding: cfg.Images.Padding,
			Quality: cfg.Images.Quality,
		}, images.NewHTTPDownloader(cfg.Images.DownloadTimeout, browserOpts.UserAgent), cache, publisher, logger)
		deps.Images = a.images
	}

	a.browser, err = browser.New(browserOpts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}

	products := scraper.NewProductScraper(deps, scraper.Options{
		ElementTimeout:    cfg.Scraper.ElementTimeout,
		CompetitorEnabled: cfg.Scraper.CompetitorEnabled,
	}, logger)

	a.runner = scraper.NewRunner(
		a.browser,
		products,
		scraper.NewDiscoverer(profile, a.gate, logger),
		ratelimit.NewPacer(profile.Waits.BetweenProducts),
		cfg.Scraper.MaxProducts,
		logger,
	)

	return a, nil
}

// connectRedis, loadAWS and openPostgres log and return nil when their
// backend cannot be reached. Captures then land in the local cache only.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, continuing without notifications and events", "addr", cfg.Addr, "error", err)
		client.Close()
		return nil
	}
	return client
}

func loadAWS(ctx context.Context, cfg config.AWSConfig, logger *slog.Logger) *credentials.AWSProvider {
	provider, err := credentials.NewAWSProvider(ctx, credentials.AWSOptions{
		Region:          cfg.Region,
		Profile:         cfg.Profile,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
	})
	if err != nil {
		logger.Warn("AWS unavailable, continuing without DynamoDB mirror and S3 publishing", "error", err)
		return nil
	}
	return provider
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) *database.DB {
	db, err := database.New(ctx, database.Config{
		URL:      cfg.URL,
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.DBName,
		SSLMode:  cfg.SSLMode,
		MaxConns: int32(cfg.MaxConns),
	})
	if err != nil {
		logger.Warn("Postgres unavailable, continuing without the Postgres mirror", "error", err)
		return nil
	}

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		logger.Warn("Postgres migrations failed, continuing without the Postgres mirror", "error", err)
		db.Close()
		return nil
	}
	logger.Info("database migrated", "version", version, "dirty", dirty)
	return db
}

func browserOptions(cfg config.BrowserConfig) *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = cfg.Headless
	opts.Timeout = cfg.Timeout
	if cfg.UserAgent != "" {
		opts.UserAgent = cfg.UserAgent
	}
	opts.ViewportWidth = cfg.ViewportWidth
	opts.ViewportHeight = cfg.ViewportHeight
	opts.AcceptLanguage = cfg.AcceptLanguage
	opts.TimezoneID = cfg.TimezoneID
	opts.Locale = cfg.Locale
	opts.ProxyServer = cfg.ProxyServer
	return opts
}

func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.gate != nil {
			a.gate.Close()
		}
		if a.browser != nil {
			if err := a.browser.Close(); err != nil {
				a.logger.Warn("failed to close browser", "error", err)
			}
		}
		if a.db != nil {
			a.db.Close()
		}
		if a.redis != nil {
			a.redis.Close()
		}
	})
}
