package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/seqstore/internal/config"
	"github.com/calvinalkan/seqstore/pkg/seqstore"
)

var (
	errStoreRequired = errors.New("store id is required (group/name)")
	errStoreNotFound = errors.New("store not found")
	errPayload       = errors.New("payload is required")
)

// session is the state shared by the commands of one invocation. In the
// shell every line runs against the same session, so the environment is
// opened once.
type session struct {
	cfg   config.Config
	log   *zap.Logger
	stdin io.Reader
	mgr   *seqstore.Manager

	// historyPath is the shell history file. Empty disables history.
	historyPath string
}

func newSession(cfg config.Config, stdin io.Reader, errOut io.Writer) *session {
	return &session{cfg: cfg, log: newLogger(errOut, cfg.LogLevel), stdin: stdin}
}

// newLogger writes JSON lines to w. The writer is locked because stores log
// from their own goroutines during shutdown.
func newLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), level)

	return zap.New(core)
}

// manager opens the environment on first use.
func (s *session) manager(ctx context.Context) (*seqstore.Manager, error) {
	if s.mgr != nil {
		return s.mgr, nil
	}

	m, err := seqstore.Open(ctx, s.cfg.Store, seqstore.WithLogger(s.log))
	if err != nil {
		return nil, err
	}

	s.mgr = m

	return m, nil
}

// store resolves a group/name argument. Only writers may create stores.
func (s *session) store(ctx context.Context, arg string, create bool, opts seqstore.StoreOptions) (*seqstore.Store, error) {
	id, err := seqstore.ParseStoreID(arg)
	if err != nil {
		return nil, err
	}

	m, err := s.manager(ctx)
	if err != nil {
		return nil, err
	}

	if create {
		return m.OpenStore(ctx, id, opts)
	}

	st, ok := m.GetStore(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errStoreNotFound, id)
	}

	return st, nil
}

func (s *session) close() error {
	if s.mgr == nil {
		return nil
	}

	err := s.mgr.Close()
	s.mgr = nil

	_ = s.log.Sync()

	return err
}
