package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/diwise/context-sync/internal/pkg/application/session"
	"github.com/diwise/context-sync/internal/pkg/infrastructure/catalog"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/jackc/pgx/v5/pgxpool"
	yaml "gopkg.in/yaml.v2"
)

const (
	appName string = "catalog-import"
)

// catalog-import describes the tables of a postgres schema as a context-sync
// configuration and writes it to stdout, or to OUTPUT_PATH if set
func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	cfg := LoadConfiguration(ctx)

	p, err := connect(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to database", "err", err.Error())
		os.Exit(1)
	}
	defer p.Close()

	model, err := catalog.Import(ctx, p, cfg.schema)
	if err != nil {
		log.Error("failed to import schema", "err", err.Error())
		os.Exit(1)
	}

	_, err = model.Build()
	if err != nil {
		log.Error("imported schema is not a valid model", "err", err.Error())
		os.Exit(1)
	}

	out := session.Config{
		Model:    *model,
		Sessions: []session.SessionConfig{{Name: cfg.dbname}},
	}

	err = write(out, cfg.output)
	if err != nil {
		log.Error("failed to write configuration", "err", err.Error())
		os.Exit(1)
	}

	log.Info("done importing", "schema", cfg.schema, "types", len(model.EntityTypes))
}

type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
	schema   string
	output   string
}

func LoadConfiguration(ctx context.Context) Config {
	return Config{
		host:     env.GetVariableOrDefault(ctx, "POSTGRES_HOST", ""),
		user:     env.GetVariableOrDefault(ctx, "POSTGRES_USER", ""),
		password: env.GetVariableOrDefault(ctx, "POSTGRES_PASSWORD", ""),
		port:     env.GetVariableOrDefault(ctx, "POSTGRES_PORT", "5432"),
		dbname:   env.GetVariableOrDefault(ctx, "POSTGRES_DBNAME", "diwise"),
		sslmode:  env.GetVariableOrDefault(ctx, "POSTGRES_SSLMODE", "disable"),
		schema:   env.GetVariableOrDefault(ctx, "CATALOG_SCHEMA", "public"),
		output:   env.GetVariableOrDefault(ctx, "OUTPUT_PATH", ""),
	}
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

func connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	conn, err := pgxpool.New(ctx, cfg.ConnStr())
	if err != nil {
		return nil, err
	}

	err = conn.Ping(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return conn, err
}

func write(cfg session.Config, path string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout

	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(b)
	return err
}
