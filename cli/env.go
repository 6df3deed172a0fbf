package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/code-payments/iap-tracker/config"
	"github.com/code-payments/iap-tracker/iap"
	"github.com/code-payments/iap-tracker/iap/kvstore"
	"github.com/code-payments/iap-tracker/kv"
	"github.com/code-payments/iap-tracker/storage"
)

type env struct {
	log     *zap.Logger
	db      kv.Store
	tracker *iap.Tracker
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		e.log.Warn("Failed to close store", zap.Error(err))
	}
	_ = e.log.Sync()
}

func openEnv(ctx context.Context, opts *RootOptions, logOutput io.Writer) (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(cfg.Log, opts.Verbose, logOutput)
	if err != nil {
		return nil, err
	}

	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}

	tracker := iap.NewTracker(log, kvstore.NewInKV(db), catalog, nil, nil, nil)
	return &env{log: log, db: db, tracker: tracker}, nil
}

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) (*zap.Logger, error) {
	level, err := cfg.ZapLevel()
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if cfg.Development || verbose {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), level)
	return zap.New(core), nil
}

// run opens the configured tracker, executes fn and reports its result.
func run(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, tracker *iap.Tracker) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	formatter := &OutputFormatter{
		Format: opts.Format,
		Writer: cmd.OutOrStdout(),
	}

	e, err := openEnv(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error())
		return WrapExitError(ExitCommandError, "failed to open tracker", err)
	}
	defer e.Close()

	data, err := fn(ctx, e.tracker)
	if err != nil {
		code, exitCode := classify(err)
		_ = formatter.Error(code, err.Error())
		return WrapExitError(exitCode, cmd.Name()+" failed", err)
	}
	return formatter.Success(data)
}

func classify(err error) (string, int) {
	var storageErr *iap.StorageError
	var usageErr *usageError

	switch {
	case errors.As(err, &usageErr):
		return ErrCodeInvalid, ExitCommandError
	case errors.As(err, &storageErr):
		return ErrCodeStorage, ExitCommandError
	case errors.Is(err, iap.ErrNotFound), errors.Is(err, iap.ErrUnknownRequest):
		return ErrCodeNotFound, ExitFailure
	case errors.Is(err, iap.ErrExists):
		return ErrCodeConflict, ExitFailure
	case errors.Is(err, iap.ErrInvalidQuantity), errors.Is(err, iap.ErrInsufficientQuantity):
		return ErrCodeInvalid, ExitFailure
	default:
		return ErrCodeGeneric, ExitFailure
	}
}

type usageError struct {
	message string
}

func (e *usageError) Error() string {
	return e.message
}
