package db

import (
	"context"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const messageColumns = `id, user_id, content, recipient, channel, status, provider_reference, failure_reason, created_at, updated_at`

func (db *DB) CreateUser(ctx context.Context, u core.NewUser) (core.User, error) {
	out := core.User{Name: u.Name, Email: u.Email, Phone: u.Phone, TokenHash: u.TokenHash}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO users(name, email, phone, token_hash)
		VALUES($1,$2,$3,$4)
		RETURNING id, created_at
	`, u.Name, u.Email, u.Phone, u.TokenHash).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return core.User{}, errors.Wrap(err, "insert user")
	}
	return out, nil
}

func (db *DB) GetUser(ctx context.Context, id int64) (core.User, error) {
	var u core.User
	err := db.Pool.QueryRow(ctx, `SELECT id, name, email, phone, token_hash, created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.TokenHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.User{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.User{}, errors.Wrap(err, "select user")
	}
	return u, nil
}

func (db *DB) UpdateTokenHash(ctx context.Context, id int64, hash string) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE users SET token_hash=$2 WHERE id=$1`, id, hash)
	if err != nil {
		return errors.Wrap(err, "update token hash")
	}
	if tag.RowsAffected() == 0 {
		return core.ErrUserNotFound
	}
	return nil
}

func (db *DB) Save(ctx context.Context, m core.NewMessage) (core.Message, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO messages(user_id, content, recipient, channel, status)
		VALUES($1,$2,$3,$4,$5)
		RETURNING `+messageColumns,
		m.UserID, m.Content, m.Recipient, string(m.Channel), int(core.StatusPending))
	out, err := scanMessage(row)
	if err != nil {
		return core.Message{}, errors.Wrap(err, "insert message")
	}
	return out, nil
}

func (db *DB) FindByID(ctx context.Context, id int64) (core.Message, error) {
	m, err := scanMessage(db.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Message{}, core.ErrMessageNotFound
	}
	if err != nil {
		return core.Message{}, errors.Wrap(err, "select message")
	}
	return m, nil
}

func (db *DB) FindAllByUser(ctx context.Context, userID int64) ([]core.Message, error) {
	return db.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE user_id=$1 ORDER BY id`, userID)
}

func (db *DB) FindByUserAndStatus(ctx context.Context, userID int64, status core.Status) ([]core.Message, error) {
	return db.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE user_id=$1 AND status=$2 ORDER BY id`, userID, int(status))
}

func (db *DB) ListStalePending(ctx context.Context, before time.Time, limit int) ([]core.Message, error) {
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE status=$1 AND created_at < $2
		ORDER BY id
		LIMIT $3
	`, int(core.StatusPending), before, limit)
}

// UpdateStatus locks the row, checks the transition against its current
// status and writes the change in one transaction. Concurrent updates to the
// same message serialize on the row lock.
func (db *DB) UpdateStatus(ctx context.Context, id int64, upd core.StatusUpdate) (bool, error) {
	var applied bool
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var current int
		err := tx.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return core.ErrMessageNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock message")
		}
		if !core.CanTransition(core.Status(current), upd.Status) {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE messages SET
				status = $2,
				provider_reference = COALESCE(NULLIF($3, ''), provider_reference),
				failure_reason = COALESCE(NULLIF($4, ''), failure_reason),
				updated_at = now()
			WHERE id = $1
		`, id, int(upd.Status), upd.ProviderReference, upd.FailureReason)
		if err != nil {
			return errors.Wrap(err, "update message status")
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (db *DB) queryMessages(ctx context.Context, q string, args ...any) ([]core.Message, error) {
	rows, err := db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()
	out := []core.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

func scanMessage(row pgx.Row) (core.Message, error) {
	var (
		m       core.Message
		channel string
		status  int
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Recipient, &channel, &status,
		&m.ProviderReference, &m.FailureReason, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return core.Message{}, err
	}
	m.Channel = core.Channel(channel)
	m.Status = core.Status(status)
	return m, nil
}
