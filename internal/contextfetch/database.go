package contextfetch

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// DatabaseFetcher runs a scoped relational query against one allow-listed
// table. When the table carries a workspace_id column and the merged params
// include one, the query is automatically tenant-scoped.
type DatabaseFetcher struct {
	db              *gorm.DB
	table           string
	workspaceScoped bool
}

func NewDatabaseFetcher(db *gorm.DB, table string) *DatabaseFetcher {
	return &DatabaseFetcher{
		db:              db,
		table:           table,
		workspaceScoped: db.Migrator().HasColumn(table, "workspace_id"),
	}
}

func (f *DatabaseFetcher) Description() string {
	return fmt.Sprintf("relational query against %s", f.table)
}

func (f *DatabaseFetcher) AllowedParams() []string {
	return []string{"conditions", "limit", "offset", "order", "workspace_id"}
}

func (f *DatabaseFetcher) RequiredParams() []string {
	return nil
}

func (f *DatabaseFetcher) Fetch(ctx context.Context, params map[string]any) (any, error) {
	q := f.db.WithContext(ctx).Table(f.table)

	if f.workspaceScoped {
		if ws, ok := params["workspace_id"]; ok {
			q = q.Where("workspace_id = ?", ws)
		}
	}

	if conditions, ok := params["conditions"].(map[string]any); ok {
		for col, val := range conditions {
			q = q.Where(fmt.Sprintf("%s = ?", col), val)
		}
	}

	if order, ok := params["order"].(string); ok && order != "" {
		q = q.Order(order)
	}

	limit := intParam(params, "limit", 50)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset := intParam(params, "offset", 0); offset > 0 {
		q = q.Offset(offset)
	}

	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *DatabaseFetcher) FallbackData(params map[string]any) any {
	return []map[string]any{}
}

// intParam reads an int-ish param; JSON numbers decode as float64.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
