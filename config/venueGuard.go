package config

import (
	"context"
	"strings"

	"bitbucket.org/ampergames/gamecash_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VenueGuardPlugin enforces venue isolation by automatically scoping
// queries/updates/deletes to the request's venue_id when the model has a venue_id column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include venue_id manually.
// - Admin/internal bypass is explicit via context flags.
type VenueGuardPlugin struct{}

func NewVenueGuardPlugin() *VenueGuardPlugin { return &VenueGuardPlugin{} }

func (p *VenueGuardPlugin) Name() string { return "venue_guard" }

func (p *VenueGuardPlugin) Initialize(db *gorm.DB) error {
	// Query
	if err := db.Callback().Query().Before("gorm:query").Register("venue_guard:query", venueGuardCallback); err != nil {
		return err
	}
	// Row (First/Take)
	if err := db.Callback().Row().Before("gorm:row").Register("venue_guard:row", venueGuardCallback); err != nil {
		return err
	}
	// Update
	if err := db.Callback().Update().Before("gorm:update").Register("venue_guard:update", venueGuardCallback); err != nil {
		return err
	}
	// Delete
	if err := db.Callback().Delete().Before("gorm:delete").Register("venue_guard:delete", venueGuardCallback); err != nil {
		return err
	}
	return nil
}

func venueGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassVenueScope(ctx) {
		return
	}
	venueID := venueIdFromContext(ctx)
	if venueID == "" {
		return
	}

	// Only apply if the current model/table includes a venue_id column.
	if db.Statement.Schema == nil {
		return
	}
	hasVenueID := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "venue_id") {
			hasVenueID = true
			break
		}
	}
	if !hasVenueID {
		return
	}

	// Don't duplicate an explicit venue filter.
	if whereHasVenueID(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: "venue_id"},
				Value:  venueID,
			},
		},
	})
}

func venueIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyVenueId).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassVenueScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipVenueScope).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyIsAdmin).(bool); ok && v {
		return true
	}
	return false
}

func whereHasVenueID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasVenueID(e) {
			return true
		}
	}
	return false
}

func exprHasVenueID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsVenueID(v.Column)
	case clause.Neq:
		return colIsVenueID(v.Column)
	case clause.Gt:
		return colIsVenueID(v.Column)
	case clause.Gte:
		return colIsVenueID(v.Column)
	case clause.Lt:
		return colIsVenueID(v.Column)
	case clause.Lte:
		return colIsVenueID(v.Column)
	case clause.IN:
		return colIsVenueID(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasVenueID(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasVenueID(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), "venue_id")
	default:
		return false
	}
}

func colIsVenueID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "venue_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "venue_id")
	default:
		return false
	}
}
