package config

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/tcgpos_sync/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TerminalScopePlugin scopes queries on tables that carry a terminal_id column to
// the terminal in the statement context. Rows written before terminal ids were
// assigned (empty terminal_id) stay visible.
//
// NOTE:
// - This does NOT apply to Raw SQL queries.
// - Maintenance jobs bypass via appctx.ContextKeySkipTerminalScope.
type TerminalScopePlugin struct{}

func NewTerminalScopePlugin() *TerminalScopePlugin { return &TerminalScopePlugin{} }

func (p *TerminalScopePlugin) Name() string { return "terminal_scope" }

func (p *TerminalScopePlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("terminal_scope:query", terminalScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("terminal_scope:row", terminalScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("terminal_scope:update", terminalScopeCallback); err != nil {
		return err
	}
	return nil
}

func terminalScopeCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if skip, ok := ctx.Value(appctx.ContextKeySkipTerminalScope).(bool); ok && skip {
		return
	}
	terminalId := terminalIdFromContext(ctx)
	if terminalId == "" {
		return
	}

	hasTerminalId := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, "terminal_id") {
			hasTerminalId = true
			break
		}
	}
	if !hasTerminalId {
		return
	}
	if whereHasTerminalId(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.IN{
				Column: clause.Column{Table: db.Statement.Table, Name: "terminal_id"},
				Values: []any{terminalId, ""},
			},
		},
	})
}

func terminalIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyTerminalId).(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func whereHasTerminalId(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasTerminalId(e) {
			return true
		}
	}
	return false
}

func exprHasTerminalId(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsTerminalId(v.Column)
	case clause.IN:
		return colIsTerminalId(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasTerminalId(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		return strings.Contains(strings.ToLower(v.SQL), "terminal_id")
	default:
		return false
	}
}

func colIsTerminalId(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, "terminal_id")
	case clause.Column:
		return strings.EqualFold(c.Name, "terminal_id")
	default:
		return false
	}
}
