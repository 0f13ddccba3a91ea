package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/diwise/context-sync/pkg/model"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by *pgxpool.Pool and *pgx.Conn
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type column struct {
	table    string
	name     string
	dataType string
	nullable bool
}

type keyColumn struct {
	table  string
	column string
}

type foreignKey struct {
	constraint string
	table      string
	column     string
	references string
}

// Import reads the tables of a database schema and describes them as an
// entity model. Every table becomes an entity type keyed by its primary key.
// Foreign keys become reference navigations with an inverse collection, and
// tables that only link two other tables become join types.
func Import(ctx context.Context, db Querier, schema string) (*model.Config, error) {
	columns, err := queryColumns(ctx, db, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	pks, err := queryPrimaryKeys(ctx, db, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary keys: %w", err)
	}

	fks, err := queryForeignKeys(ctx, db, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read foreign keys: %w", err)
	}

	logger := logging.GetFromContext(ctx)
	logger.Debug("read schema", slog.String("schema", schema), slog.Int("columns", len(columns)), slog.Int("foreign_keys", len(fks)))

	cfg, skipped := buildConfig(columns, pks, fks)
	for _, s := range skipped {
		logger.Warn("column skipped", slog.String("column", s))
	}

	return cfg, nil
}

func queryColumns(ctx context.Context, db Querier, schema string) ([]column, error) {
	sql := `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position;`

	rows, err := db.Query(ctx, sql, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make([]column, 0)

	for rows.Next() {
		var c column
		var nullable string
		err := rows.Scan(&c.table, &c.name, &c.dataType, &nullable)
		if err != nil {
			return nil, err
		}
		c.nullable = nullable == "YES"
		columns = append(columns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return columns, nil
}

func queryPrimaryKeys(ctx context.Context, db Querier, schema string) ([]keyColumn, error) {
	sql := `
		SELECT kcu.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1
		ORDER BY kcu.table_name, kcu.ordinal_position;`

	rows, err := db.Query(ctx, sql, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]keyColumn, 0)

	for rows.Next() {
		var k keyColumn
		err := rows.Scan(&k.table, &k.column)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

func queryForeignKeys(ctx context.Context, db Querier, schema string) ([]foreignKey, error) {
	sql := `
		SELECT DISTINCT tc.constraint_name, kcu.table_name, kcu.column_name, ccu.table_name, kcu.ordinal_position
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1
		ORDER BY tc.constraint_name, kcu.ordinal_position;`

	rows, err := db.Query(ctx, sql, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fks := make([]foreignKey, 0)

	for rows.Next() {
		var fk foreignKey
		var position int32
		err := rows.Scan(&fk.constraint, &fk.table, &fk.column, &fk.references, &position)
		if err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return fks, nil
}

// propertyType maps a postgres data type onto a model type name
func propertyType(dataType string, nullable bool) (string, bool) {
	var name string

	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint":
		name = "int"
	case "real", "double precision", "numeric":
		name = "float"
	case "text", "character varying", "character", "citext":
		name = "string"
	case "boolean":
		name = "bool"
	case "date", "timestamp without time zone":
		name = "datetime"
	case "timestamp with time zone":
		name = "datetimeoffset"
	case "interval":
		name = "duration"
	case "uuid":
		name = "uuid"
	default:
		return "", false
	}

	if nullable {
		name += "?"
	}

	return name, true
}

type constraint struct {
	name       string
	table      string
	columns    []string
	references string
}

func buildConfig(columns []column, pks []keyColumn, fks []foreignKey) (*model.Config, []string) {
	var skipped []string

	types := map[string]*model.EntityTypeConfig{}
	order := []string{}

	for _, c := range columns {
		et, ok := types[c.table]
		if !ok {
			et = &model.EntityTypeConfig{Name: c.table}
			types[c.table] = et
			order = append(order, c.table)
		}

		t, ok := propertyType(c.dataType, c.nullable)
		if !ok {
			skipped = append(skipped, fmt.Sprintf("%s.%s (%s)", c.table, c.name, c.dataType))
			continue
		}

		et.Properties = append(et.Properties, model.PropertyConfig{Name: c.name, Type: t})
	}

	for _, k := range pks {
		if et, ok := types[k.table]; ok {
			et.Key = append(et.Key, k.column)
		}
	}

	kept := order[:0]
	for _, table := range order {
		if len(types[table].Key) == 0 {
			skipped = append(skipped, table+" (no primary key)")
			delete(types, table)
			continue
		}
		kept = append(kept, table)
	}
	order = kept

	constraints := []*constraint{}
	byName := map[string]*constraint{}
	for _, fk := range fks {
		c, ok := byName[fk.constraint]
		if !ok {
			c = &constraint{name: fk.constraint, table: fk.table, references: fk.references}
			byName[fk.constraint] = c
			constraints = append(constraints, c)
		}
		c.columns = append(c.columns, fk.column)
	}

	outgoing := map[string][]*constraint{}
	for _, c := range constraints {
		if _, ok := types[c.table]; !ok {
			continue
		}
		if _, ok := types[c.references]; !ok {
			continue
		}
		outgoing[c.table] = append(outgoing[c.table], c)
	}

	for _, table := range order {
		et := types[table]
		links := outgoing[table]

		if isJoinTable(et, links) {
			declaring, target := links[0], links[1]

			et.Key = append(slices.Clone(declaring.columns), target.columns...)
			et.Join = &model.JoinConfig{
				Declaring: model.JoinEndpointConfig{Type: declaring.references, Key: declaring.columns},
				Target:    model.JoinEndpointConfig{Type: target.references, Key: target.columns},
			}

			owner := types[declaring.references]
			addNavigation(owner, model.NavigationConfig{Name: target.references, Kind: "collection", Target: target.references})
			continue
		}

		for _, c := range links {
			name := c.references
			if len(links) > 1 && countReferencesTo(links, c.references) > 1 {
				name = c.references + "By" + strings.Join(c.columns, "")
			}

			addNavigation(et, model.NavigationConfig{Name: name, Kind: "reference", Target: c.references})
			addNavigation(types[c.references], model.NavigationConfig{Name: table, Kind: "collection", Target: table})
		}
	}

	cfg := &model.Config{}
	for _, table := range order {
		cfg.EntityTypes = append(cfg.EntityTypes, *types[table])
	}

	return cfg, skipped
}

// isJoinTable reports whether a table does nothing but link two other tables,
// with its primary key made up of exactly the two foreign keys
func isJoinTable(et *model.EntityTypeConfig, links []*constraint) bool {
	if len(links) != 2 || len(et.Properties) != len(et.Key) {
		return false
	}

	fkColumns := append(slices.Clone(links[0].columns), links[1].columns...)
	if len(fkColumns) != len(et.Key) {
		return false
	}

	for _, k := range et.Key {
		if !slices.Contains(fkColumns, k) {
			return false
		}
	}

	return true
}

func countReferencesTo(links []*constraint, table string) int {
	count := 0
	for _, c := range links {
		if c.references == table {
			count++
		}
	}
	return count
}

// addNavigation adds nav unless a member with the same name already exists
func addNavigation(et *model.EntityTypeConfig, nav model.NavigationConfig) {
	for _, p := range et.Properties {
		if p.Name == nav.Name {
			nav.Name += "Navigation"
			break
		}
	}

	for _, n := range et.Navigations {
		if n.Name == nav.Name {
			return
		}
	}

	et.Navigations = append(et.Navigations, nav)
}
