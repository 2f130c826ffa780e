package app

import (
	"database/sql"
	"fmt"
	"log"
	"path/filepath"

	"pharmatrace/internal/config"
	"pharmatrace/internal/db"
	"pharmatrace/internal/engine"
	"pharmatrace/internal/ledger"
	"pharmatrace/internal/migrate"
)

// Context wires the workspace together: database, config, gateway, engine.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Ledger ledger.Gateway
	Engine engine.Engine
}

// Open boots a workspace: opens the store, applies migrations, loads config
// and selects the configured ledger gateway.
func Open(workspace string, logger *log.Logger) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	gw, err := Gateway(workspace, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, gw, cfg)
	eng.Log = logger
	return &Context{DB: conn, Config: cfg, Ledger: gw, Engine: eng}, nil
}

// Gateway builds the ledger gateway the config asks for. The embedded
// ledger keeps a snapshot file in the workspace so separate invocations
// share the same chain.
func Gateway(workspace string, cfg *config.Config) (ledger.Gateway, error) {
	switch cfg.Ledger.Mode {
	case "embedded":
		dir, err := db.EnsureWorkspace(workspace)
		if err != nil {
			return nil, err
		}
		return ledger.NewMemoryFile(filepath.Join(dir, "ledger.json"))
	case "rpc":
		return ledger.NewRPC(cfg.Ledger.URL, cfg.Ledger.Token, cfg.LedgerTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
	}
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
