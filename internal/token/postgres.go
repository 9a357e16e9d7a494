package token

import (
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresToken keeps balances and allowances in the wallet schema. Every
// movement commits before it returns, so the token side survives a restart
// without replay: recovery rebuilds the pools, the wallet already holds the
// tokens.
type PostgresToken struct {
	db *sql.DB
}

func NewPostgresToken(db *sql.DB) *PostgresToken {
	return &PostgresToken{db: db}
}

// Mint creates amount new tokens for to.
func (p *PostgresToken) Mint(ctx context.Context, to identity.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: mint %d", errs.ErrInvalidAmount, amount)
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return credit(ctx, tx, to, amount)
	})
}

// Approve replaces the amount spender may pull from owner.
func (p *PostgresToken) Approve(ctx context.Context, owner, spender identity.ID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: approve %d", errs.ErrInvalidAmount, amount)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet.allowances (owner, spender, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount
	`, owner.String(), spender.String(), amount)
	if err != nil {
		return fmt.Errorf("%w: approve: %v", errs.ErrUnavailable, err)
	}
	return nil
}

func (p *PostgresToken) BalanceOf(ctx context.Context, id identity.ID) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx,
		`SELECT balance FROM wallet.balances WHERE holder = $1`, id.String(),
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: balance of %s: %v", errs.ErrUnavailable, id, err)
	}
	return balance, nil
}

func (p *PostgresToken) Allowance(ctx context.Context, owner, spender identity.ID) (int64, error) {
	var amount int64
	err := p.db.QueryRowContext(ctx,
		`SELECT amount FROM wallet.allowances WHERE owner = $1 AND spender = $2`,
		owner.String(), spender.String(),
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: allowance: %v", errs.ErrUnavailable, err)
	}
	return amount, nil
}

// Account returns a Transferer bound to custody.
func (p *PostgresToken) Account(custody identity.ID) Transferer {
	return &postgresAccount{token: p, custody: custody}
}

type postgresAccount struct {
	token   *PostgresToken
	custody identity.ID
}

func (a *postgresAccount) Pull(ctx context.Context, from identity.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: transfer %d", errs.ErrInvalidAmount, amount)
	}
	return a.token.inTx(ctx, func(tx *sql.Tx) error {
		var allowed int64
		err := tx.QueryRowContext(ctx, `
			SELECT amount FROM wallet.allowances
			WHERE owner = $1 AND spender = $2
			FOR UPDATE
		`, from.String(), a.custody.String()).Scan(&allowed)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if allowed < amount {
			return fmt.Errorf("%w: %s approved %d for %s, needs %d",
				errs.ErrInsufficientAllowance, from, allowed, a.custody, amount)
		}

		if err := debit(ctx, tx, from, amount); err != nil {
			return err
		}
		if err := credit(ctx, tx, a.custody, amount); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallet.allowances SET amount = amount - $3
			WHERE owner = $1 AND spender = $2
		`, from.String(), a.custody.String(), amount)
		return err
	})
}

func (a *postgresAccount) Push(ctx context.Context, to identity.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: transfer %d", errs.ErrInvalidAmount, amount)
	}
	return a.token.inTx(ctx, func(tx *sql.Tx) error {
		if err := debit(ctx, tx, a.custody, amount); err != nil {
			return err
		}
		return credit(ctx, tx, to, amount)
	})
}

// inTx runs fn in one transaction. Domain errors pass through; anything
// else from the database is reported as ErrUnavailable so callers retry.
func (p *PostgresToken) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", errs.ErrUnavailable, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if errors.Is(err, errs.ErrTransferFailed) || errors.Is(err, errs.ErrInsufficientAllowance) {
			return err
		}
		return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrUnavailable, err)
	}
	return nil
}

func debit(ctx context.Context, tx *sql.Tx, from identity.ID, amount int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallet.balances SET balance = balance - $2
		WHERE holder = $1 AND balance >= $2
	`, from.String(), amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s holds less than %d", errs.ErrTransferFailed, from, amount)
	}
	return nil
}

func credit(ctx context.Context, tx *sql.Tx, to identity.ID, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet.balances (holder, balance)
		VALUES ($1, $2)
		ON CONFLICT (holder) DO UPDATE SET balance = wallet.balances.balance + EXCLUDED.balance
	`, to.String(), amount)
	return err
}
