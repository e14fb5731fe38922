package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/chatdrive/chatdrive/internal/blob"
	"github.com/chatdrive/chatdrive/internal/config"
	"github.com/chatdrive/chatdrive/internal/credstore"
	cderrors "github.com/chatdrive/chatdrive/internal/errors"
	"github.com/chatdrive/chatdrive/internal/logging"
	"github.com/chatdrive/chatdrive/internal/metrics"
	"github.com/chatdrive/chatdrive/internal/session"
	"github.com/chatdrive/chatdrive/internal/transport"
	"github.com/chatdrive/chatdrive/internal/transport/memory"
	"github.com/chatdrive/chatdrive/internal/transport/s3store"
	"github.com/chatdrive/chatdrive/internal/transport/telegram"
)

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	owner      string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "chatdrive.yaml", "path to configuration file")
	fs.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	fs.StringVar(&g.logFormat, "log-format", "", "log format: text, json (default: from config or text)")
	fs.StringVarP(&g.owner, "owner", "o", "default", "owner key the saved session is stored under")
}

// app holds everything a subcommand needs. Close releases it.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	creds    credstore.Store
	registry *session.Registry
	store    *blob.Store
	backend  io.Closer
	stdin    io.Reader
	in       *bufio.Reader
	stdout   io.Writer
	stderr   io.Writer
}

func newApp(g *globalFlags, stdin io.Reader, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	// Command-line flags override config file values.
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, stderr)
	metrics.Register()

	creds, err := credstore.NewSQLiteStore(cfg.CredStore.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	dial, backend, err := buildDialer(cfg, log)
	if err != nil {
		creds.Close()
		return nil, err
	}

	partial, err := blob.ParsePartialPolicy(cfg.Blob.PartialFailure)
	if err != nil {
		creds.Close()
		if backend != nil {
			backend.Close()
		}
		return nil, err
	}

	return &app{
		cfg:   cfg,
		log:   log,
		creds: creds,
		registry: session.NewRegistry(dial, session.Options{
			ReconnectDelay: cfg.Session.ReconnectDelay,
			Logger:         log,
		}),
		store: blob.NewStore(blob.Options{
			ChunkSize:     cfg.Blob.ChunkSizeBytes,
			CaptionPrefix: cfg.Blob.CaptionPrefix,
			Partial:       partial,
			Logger:        log,
		}),
		backend: backend,
		stdin:   stdin,
		in:      bufio.NewReader(stdin),
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

// buildDialer selects the transport binding named by the config. The
// returned closer is non-nil when the binding owns resources.
func buildDialer(cfg *config.Config, log *slog.Logger) (transport.Dialer, io.Closer, error) {
	t := cfg.Transport
	switch t.Backend {
	case "telegram":
		log.Debug("transport initialized", "backend", "telegram", "api_id", t.Telegram.APIID)
		return telegram.NewDialer(telegram.Options{
			APIID:       t.Telegram.APIID,
			APIHash:     t.Telegram.APIHash,
			DeviceModel: t.Telegram.DeviceModel,
			Logger:      log,
		}), nil, nil
	case "s3":
		log.Debug("transport initialized", "backend", "s3", "bucket", t.S3.Bucket, "region", t.S3.Region, "prefix", t.S3.Prefix)
		return s3store.NewDialer(s3store.Options{
			Bucket:       t.S3.Bucket,
			Region:       t.S3.Region,
			Prefix:       t.S3.Prefix,
			EndpointURL:  t.S3.EndpointURL,
			UsePathStyle: t.S3.UsePathStyle,
			Logger:       log,
		}), nil, nil
	case "memory":
		svc, err := memory.Open(memory.Options{
			MaxPayload:       t.Memory.MaxPayloadBytes,
			SnapshotPath:     t.Memory.SnapshotPath,
			SnapshotInterval: time.Duration(t.Memory.SnapshotIntervalSeconds) * time.Second,
			Logger:           log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open memory transport: %w", err)
		}
		for _, a := range t.Memory.Accounts {
			svc.AddAccount(a.Phone, a.Code, a.Password)
		}
		log.Debug("transport initialized", "backend", "memory", "snapshot", t.Memory.SnapshotPath, "accounts", len(t.Memory.Accounts))
		return svc.Dialer(), svc, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport backend %q", t.Backend)
	}
}

// Close disconnects every session and releases the stores.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := []error{a.registry.Close(ctx), a.creds.Close()}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	return errors.Join(errs...)
}

// session returns the authenticated session saved for owner.
func (a *app) session(ctx context.Context, owner string) (*session.Session, error) {
	acct, err := a.creds.Get(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("loading saved session: %w", err)
	}
	if acct == nil {
		return nil, cderrors.ErrNotAuthenticated.Wrap(fmt.Errorf("no saved session for %q; run chatdrive login", owner))
	}
	if acct.Backend != a.cfg.Transport.Backend {
		return nil, fmt.Errorf("saved session for %q belongs to the %s backend, config selects %s", owner, acct.Backend, a.cfg.Transport.Backend)
	}

	sess, err := a.registry.Get(owner, acct.Token)
	if err != nil {
		return nil, err
	}
	if !sess.IsAuthenticated(ctx) {
		return nil, cderrors.ErrNotAuthenticated.Wrap(fmt.Errorf("saved session for %q is no longer valid; run chatdrive login", owner))
	}
	return sess, nil
}

// saveToken persists the token of an authenticated session under owner.
func (a *app) saveToken(ctx context.Context, sess *session.Session, owner, identity string) error {
	token, err := sess.ExportToken(ctx)
	if err != nil {
		return fmt.Errorf("exporting session: %w", err)
	}
	if identity == "" {
		identity = sess.Identity()
	}
	if prev, err := a.creds.ByIdentity(ctx, identity); err == nil && prev != nil && prev.OwnerKey != owner {
		fmt.Fprintf(a.stderr, "warning: %s is also saved for owner %s\n", identity, prev.OwnerKey)
	}
	return a.creds.Put(ctx, &credstore.Account{
		OwnerKey: owner,
		Identity: identity,
		Token:    token,
		Backend:  a.cfg.Transport.Backend,
	})
}
