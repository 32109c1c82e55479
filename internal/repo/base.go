// Package repo holds the pieces shared by the GORM repositories.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Base is embedded by the domain repositories for context binding and tx scoping.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the connection bound to ctx. A nil ctx returns the raw connection.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// ForUpdate is DB with a row lock on the selected rows. The lock only holds when the
// Base is bound to a transaction.
func (b Base) ForUpdate(ctx context.Context) *gorm.DB {
	return b.DB(ctx).Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

// Bind returns a copy scoped to tx. A nil tx keeps the current connection.
func (b Base) Bind(tx *gorm.DB) Base {
	if tx == nil {
		return b
	}
	return Base{db: tx}
}

// InTx reports whether the Base is bound to a transaction.
func (b Base) InTx() bool {
	if b.db == nil || b.db.Statement == nil {
		return false
	}
	_, ok := b.db.Statement.ConnPool.(gorm.TxCommitter)
	return ok
}
