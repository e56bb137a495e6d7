package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// Store is the persistence API used by the task and profile services.
type Store interface {
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn in a single atomic write transaction. If fn returns an
	// error nothing it wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"memory":     func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"file":       openFile,
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
	"bolt":       openBolt,
	"bbolt":      openBolt,
	"postgres":   openPostgres,
	"postgresql": openPostgres,
	"pg":         openPostgres,
}

// Drivers lists the accepted driver names.
func Drivers() []string {
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open initializes the configured store. An empty driver selects "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		name = "memory"
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (want one of %s)", cfg.Driver, strings.Join(Drivers(), ", "))
	}
	return open(cfg, log.With(logx.String("driver", name)))
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
