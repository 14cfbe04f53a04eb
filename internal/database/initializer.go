package database

import (
	"context"
	"fmt"

	"github.com/kebairia/dumpctl/internal/config"
	"github.com/kebairia/dumpctl/internal/logger"
	"github.com/kebairia/dumpctl/internal/vault"
)

// CredentialSource issues database credentials for a Vault role path.
type CredentialSource interface {
	GetDynamicCredentials(ctx context.Context, role string) (vault.DynamicCredentials, error)
}

// InitPostgres builds the Postgres described by cfg. When cfg.Database
// names a Vault role and creds is set, the username and password come from
// Vault instead of the file.
func InitPostgres(
	ctx context.Context,
	cfg config.Config,
	creds CredentialSource,
	log logger.Logger,
) (*Postgres, error) {
	opts := []PostgresOption{
		WithPostgresLogger(log),
		WithPostgresTimeout(cfg.Database.Timeout),
	}

	if cfg.Database.VaultRole != "" {
		if creds == nil {
			return nil, fmt.Errorf("database.vault_role %q set but no vault client configured", cfg.Database.VaultRole)
		}
		dynamic, err := creds.GetDynamicCredentials(ctx, cfg.Database.VaultRole)
		if err != nil {
			return nil, fmt.Errorf("vault read: %w", err)
		}
		log.Info("using vault credentials",
			"role", cfg.Database.VaultRole,
			"username", dynamic.Username,
			"ttl", dynamic.TTL.String(),
		)
		opts = append(opts, WithPostgresCredentials(dynamic.Username, dynamic.Password))
	}

	return NewPostgres(cfg.Database, opts...), nil
}
