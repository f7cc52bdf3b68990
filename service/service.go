package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"

	"aquaguardian/anchor"
	"aquaguardian/classifier"
	"aquaguardian/config"
	"aquaguardian/database"
	"aquaguardian/escalation"
	"aquaguardian/evidence"
	"aquaguardian/handlers"
	"aquaguardian/ingest"
	"aquaguardian/ledger"
	"aquaguardian/notifier"
	"aquaguardian/rabbitmq"
)

const startupTimeout = 2 * time.Minute

// Store is everything the service needs from the report store
type Store interface {
	ingest.ReportStore
	anchor.Store
	handlers.ReportStore
	EnsureTables(ctx context.Context) error
	Close() error
}

// Service wires the ingestion pipeline to its adapters
type Service struct {
	config       *config.Config
	store        Store
	ledger       ledger.Ledger
	evidence     evidence.Store
	publisher    *rabbitmq.Publisher
	scheduler    *anchor.Scheduler
	trigger      *escalation.Trigger
	orchestrator *ingest.Orchestrator
	handlers     *handlers.Handlers
	closers      []func()
}

// NewService builds every adapter selected by cfg
func NewService(cfg *config.Config) (*Service, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	s := &Service{config: cfg}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	var err error
	if s.store, err = NewStore(ctx, cfg); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() {
		if err := s.store.Close(); err != nil {
			log.Warnf("Error closing database: %v", err)
		}
	})

	if s.ledger, err = s.newLedger(ctx); err != nil {
		return nil, err
	}
	if s.evidence, err = newEvidenceStore(cfg); err != nil {
		return nil, err
	}
	n, err := s.newNotifier()
	if err != nil {
		return nil, err
	}

	s.scheduler = anchor.NewScheduler(s.store, s.ledger, SchedulerOptions(cfg))
	s.trigger = escalation.NewTrigger(n, escalation.Options{
		Threshold:   cfg.EscalationThreshold,
		Timeout:     cfg.EscalationTimeout,
		Concurrency: cfg.EscalationConcurrency,
	})
	s.orchestrator = ingest.NewOrchestrator(s.store, s.evidence, newClassifier(cfg), s.scheduler, s.trigger, ingest.Options{
		Limits:            Limits(cfg),
		EvidenceTimeout:   cfg.EvidenceTimeout,
		ClassifierTimeout: cfg.ClassifierTimeout,
	})
	s.handlers = handlers.NewHandlers(s.orchestrator, s.store, s.ledger, s.scheduler, cfg.MaxImageBytes)

	ok = true
	return s, nil
}

// NewStore opens the report store selected by DB_BACKEND
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.DBBackend == "memory" {
		log.Warn("Using the in-memory report store, nothing survives a restart")
		return database.NewMemory(), nil
	}
	db, err := database.NewDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// NewLedger connects the ledger selected by LEDGER_BACKEND. The returned
// function releases it.
func NewLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, func(), error) {
	if cfg.LedgerBackend != "ethereum" {
		log.Warn("Using the in-memory ledger, anchors are not tamper-evident")
		return ledger.NewMemoryLedger(), func() {}, nil
	}
	l, err := ledger.NewEthereumLedger(ctx, ledger.EthereumConfig{
		RPCURL:          cfg.EthRPCURL,
		PrivateKey:      cfg.EthPrivateKey,
		ContractAddress: cfg.RegistryContractAddress,
		GasLimit:        cfg.EthGasLimit,
		MaxGasPriceGwei: cfg.EthMaxGasPriceGwei,
		StartBlock:      cfg.EthStartBlock,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, l.Close, nil
}

func (s *Service) newLedger(ctx context.Context) (ledger.Ledger, error) {
	l, closeFn, err := NewLedger(ctx, s.config)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeFn)
	return l, nil
}

func newEvidenceStore(cfg *config.Config) (evidence.Store, error) {
	if cfg.EvidenceBackend != "minio" {
		return evidence.NewMemoryStore(), nil
	}
	store, err := evidence.NewMinioStore(evidence.MinioConfig{
		Endpoint:      cfg.S3Endpoint,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		UseSSL:        cfg.S3UseSSL,
		Bucket:        cfg.EvidenceBucket,
		PublicBaseURL: cfg.EvidencePublicBaseURL,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newClassifier(cfg *config.Config) classifier.Classifier {
	switch cfg.ClassifierBackend {
	case "http":
		return classifier.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierMaxDimension, cfg.ClassifierTimeout)
	case "none":
		return classifier.Disabled{}
	default:
		return classifier.NewStubClassifier(cfg.ClassifierStubConfidence, cfg.ClassifierMaxDimension)
	}
}

func (s *Service) newNotifier() (notifier.Notifier, error) {
	var out notifier.Multi
	for _, name := range s.config.NotifierBackends {
		switch strings.ToLower(name) {
		case "log":
			out = append(out, notifier.NewLogNotifier())
		case "rabbitmq":
			if s.publisher == nil {
				p, err := rabbitmq.NewPublisher(s.config.AMQPURL, s.config.AMQPExchange, s.config.AMQPEscalationRoutingKey)
				if err != nil {
					return nil, fmt.Errorf("failed to create escalation publisher: %w", err)
				}
				s.publisher = p
				s.closers = append(s.closers, func() {
					if err := p.Close(); err != nil {
						log.Warnf("Error closing RabbitMQ publisher: %v", err)
					}
				})
			}
			out = append(out, notifier.NewRabbitNotifier(s.publisher, s.config.AMQPEscalationRoutingKey))
		case "email":
			out = append(out, notifier.NewEmailNotifier(s.config.SendGridAPIKey, s.config.SendGridFromName,
				s.config.SendGridFromEmail, s.config.AuthorityEmails))
		default:
			return nil, fmt.Errorf("unknown notifier backend %q", name)
		}
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// SchedulerOptions maps the anchoring configuration
func SchedulerOptions(cfg *config.Config) anchor.Options {
	return anchor.Options{
		Workers:          cfg.AnchorWorkers,
		QueueSize:        cfg.AnchorQueueSize,
		MaxAttempts:      cfg.AnchorMaxAttempts,
		BaseBackoff:      cfg.AnchorBaseBackoff,
		MaxBackoff:       cfg.AnchorMaxBackoff,
		AttemptTimeout:   cfg.AnchorAttemptTimeout,
		Lease:            cfg.AnchorLease,
		SweepInterval:    cfg.AnchorSweepInterval,
		SweepBatch:       cfg.AnchorSweepBatch,
		OrphanGrace:      cfg.AnchorOrphanGrace,
		FailedRetryAfter: cfg.AnchorFailedRetryAfter,

		BookkeepingTimeout: cfg.AnchorBookkeepingTimeout,
	}
}

// Limits maps the submission limits
func Limits(cfg *config.Config) ingest.Limits {
	return ingest.Limits{
		SeverityMin:          cfg.SeverityMin,
		SeverityMax:          cfg.SeverityMax,
		MaxDescriptionLength: cfg.MaxDescriptionLength,
		MaxImageBytes:        cfg.MaxImageBytes,
	}
}

// Start ensures the storage schema and starts background work
func (s *Service) Start() error {
	log.Info("Starting report service...")
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := s.store.EnsureTables(ctx); err != nil {
		return fmt.Errorf("failed to ensure tables: %w", err)
	}
	if ms, ok := s.evidence.(*evidence.MinioStore); ok {
		if err := ms.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure evidence bucket: %w", err)
		}
	}

	s.scheduler.Start()
	log.Info("Report service started successfully")
	return nil
}

// Stop drains background work and closes connections
func (s *Service) Stop() error {
	log.Info("Stopping report service...")
	s.trigger.Stop()
	s.scheduler.Stop()
	s.close()
	log.Info("Report service stopped")
	return nil
}

func (s *Service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// GetHandlers returns the HTTP handlers
func (s *Service) GetHandlers() *handlers.Handlers {
	return s.handlers
}
