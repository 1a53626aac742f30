package config

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/stockaudit_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const storeScopeColumn = "store_id"

// StoreScopePlugin limits queries/updates/deletes to the caller's store when the
// request carries a store code and the model has a store_id column.
// Head office requests carry no store code and see every store. An explicit
// store_id filter from store staff is narrowed, never widened.
//
// NOTE:
// - Raw SQL is not scoped.
// - Creates are not scoped; the row's StoreId is set by the caller.
type StoreScopePlugin struct{}

func NewStoreScopePlugin() *StoreScopePlugin { return &StoreScopePlugin{} }

func (p *StoreScopePlugin) Name() string { return "store_scope" }

func (p *StoreScopePlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("store_scope:query", storeScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("store_scope:row", storeScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("store_scope:update", storeScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("store_scope:delete", storeScopeCallback); err != nil {
		return err
	}
	return nil
}

func storeScopeCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return
	}
	ctx := db.Statement.Context
	if skip, ok := appctx.GetBool(ctx, appctx.ContextKeySkipStoreScope); ok && skip {
		return
	}
	storeCode := storeCodeFromContext(ctx)
	if storeCode == "" {
		return
	}
	if db.Statement.Schema == nil {
		return
	}
	if db.Statement.Schema.LookUpField(storeScopeColumn) == nil {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: storeScopeColumn},
				Value:  storeCode,
			},
		},
	})
}

func storeCodeFromContext(ctx context.Context) string {
	v, _ := appctx.GetString(ctx, appctx.ContextKeyStoreCode)
	return strings.TrimSpace(v)
}
