package store

import (
	"database/sql"
	"fmt"
	"net/url"

	libsql "github.com/tursodatabase/go-libsql"
	"go.uber.org/zap"

	"github.com/OrthelT/mkts-north/internal/metrics"
)

// Config locates the two copies of one database. LocalPath is the embedded
// replica file; RemoteURL and AuthToken reach the authoritative store.
type Config struct {
	LocalPath string
	RemoteURL string
	AuthToken string
}

// replicaSyncer adapts the embedded replica connector to Syncer.
type replicaSyncer struct {
	connector *libsql.Connector
}

func (s *replicaSyncer) Sync() (int, error) {
	rep, err := s.connector.Sync()
	if err != nil {
		return 0, err
	}
	return rep.FramesSynced, nil
}

// OpenPair opens the local embedded replica and the remote handle for one
// ingestion cycle. The replica connector doubles as the sync transport.
func OpenPair(cfg Config, m *metrics.Metrics, log *zap.Logger) (*Pair, error) {
	if cfg.LocalPath == "" {
		return nil, fmt.Errorf("open pair: local path required")
	}
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("open pair: remote url required")
	}

	connector, err := libsql.NewEmbeddedReplicaConnector(cfg.LocalPath, cfg.RemoteURL,
		libsql.WithAuthToken(cfg.AuthToken))
	if err != nil {
		return nil, fmt.Errorf("open local replica %s: %w", cfg.LocalPath, err)
	}
	local := sql.OpenDB(connector)
	// The replica file allows one writer at a time; keep the pool narrow.
	local.SetMaxOpenConns(1)
	local.SetMaxIdleConns(1)
	if _, err := local.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		local.Close()
		connector.Close()
		return nil, fmt.Errorf("open local replica %s: %w", cfg.LocalPath, err)
	}

	remote, err := sql.Open("libsql", remoteDSN(cfg.RemoteURL, cfg.AuthToken))
	if err != nil {
		local.Close()
		connector.Close()
		return nil, fmt.Errorf("open remote %s: %w", cfg.RemoteURL, err)
	}

	pair := NewPair(local, remote, &replicaSyncer{connector: connector}, m, log)
	pair.closers = append(pair.closers, connector.Close)
	log.Info("store pair opened",
		zap.String("local", cfg.LocalPath),
		zap.String("remote", cfg.RemoteURL))
	return pair, nil
}

func remoteDSN(remoteURL, token string) string {
	if token == "" {
		return remoteURL
	}
	return remoteURL + "?authToken=" + url.QueryEscape(token)
}
