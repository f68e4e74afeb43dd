// Package sqlite is a single-node Message and User store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
create table if not exists users(
	id          integer primary key autoincrement,
	name        text not null,
	email       text not null default '',
	phone       text not null default '',
	token_hash  text not null,
	created_at  DATETIME not null
);
create table if not exists messages(
	id                 integer primary key autoincrement,
	user_id            integer not null references users(id),
	content            text not null,
	recipient          text not null,
	channel            text not null default 'sms',
	status             tinyint not null default 0,
	provider_reference text null,
	failure_reason     text null,
	created_at         DATETIME not null,
	updated_at         DATETIME not null
);
create index if not exists messages_user_idx on messages(user_id, status, id);
`

const messageColumns = `id, user_id, content, recipient, channel, status, provider_reference, failure_reason, created_at, updated_at`

type Store struct {
	db *sqlx.DB
}

type userRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	Phone     string    `db:"phone"`
	TokenHash string    `db:"token_hash"`
	CreatedAt time.Time `db:"created_at"`
}

type messageRow struct {
	ID                int64     `db:"id"`
	UserID            int64     `db:"user_id"`
	Content           string    `db:"content"`
	Recipient         string    `db:"recipient"`
	Channel           string    `db:"channel"`
	Status            int       `db:"status"`
	ProviderReference *string   `db:"provider_reference"`
	FailureReason     *string   `db:"failure_reason"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r messageRow) toMessage() core.Message {
	return core.Message{
		ID:                r.ID,
		UserID:            r.UserID,
		Content:           r.Content,
		Recipient:         r.Recipient,
		Channel:           core.Channel(r.Channel),
		Status:            core.Status(r.Status),
		ProviderReference: r.ProviderReference,
		FailureReason:     r.FailureReason,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// Open opens (creating if needed) the database file at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// One writer at a time keeps the conditional status update atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating tables")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateUser(ctx context.Context, u core.NewUser) (core.User, error) {
	row := userRow{
		Name:      u.Name,
		Email:     u.Email,
		Phone:     u.Phone,
		TokenHash: u.TokenHash,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.NamedExecContext(ctx, `insert into users
		(name, email, phone, token_hash, created_at)
		values(:name, :email, :phone, :token_hash, :created_at)`, row)
	if err != nil {
		return core.User{}, errors.Wrap(err, "inserting user")
	}
	row.ID, err = res.LastInsertId()
	if err != nil {
		return core.User{}, errors.Wrap(err, "getting user id")
	}
	return core.User(row), nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (core.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `select id, name, email, phone, token_hash, created_at from users where id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.User{}, errors.Wrap(err, "fetching user")
	}
	return core.User(row), nil
}

func (s *Store) UpdateTokenHash(ctx context.Context, id int64, hash string) error {
	res, err := s.db.ExecContext(ctx, `update users set token_hash = ? where id = ?`, hash, id)
	if err != nil {
		return errors.Wrap(err, "updating token hash")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrUserNotFound
	}
	return nil
}

func (s *Store) Save(ctx context.Context, m core.NewMessage) (core.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `insert into messages
		(user_id, content, recipient, channel, status, created_at, updated_at)
		values(?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.Content, m.Recipient, string(m.Channel), int(core.StatusPending), now, now)
	if err != nil {
		return core.Message{}, errors.Wrap(err, "inserting message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Message{}, errors.Wrap(err, "getting message id")
	}
	return core.Message{
		ID:        id,
		UserID:    m.UserID,
		Content:   m.Content,
		Recipient: m.Recipient,
		Channel:   m.Channel,
		Status:    core.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (core.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `select `+messageColumns+` from messages where id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, core.ErrMessageNotFound
	}
	if err != nil {
		return core.Message{}, errors.Wrap(err, "fetching message")
	}
	return row.toMessage(), nil
}

func (s *Store) FindAllByUser(ctx context.Context, userID int64) ([]core.Message, error) {
	return s.selectMessages(ctx, `select `+messageColumns+` from messages where user_id = ? order by id`, userID)
}

func (s *Store) FindByUserAndStatus(ctx context.Context, userID int64, status core.Status) ([]core.Message, error) {
	return s.selectMessages(ctx, `select `+messageColumns+` from messages where user_id = ? and status = ? order by id`, userID, int(status))
}

func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]core.Message, error) {
	return s.selectMessages(ctx, `select `+messageColumns+` from messages
		where status = ? and created_at < ? order by id limit ?`, int(core.StatusPending), before.UTC(), limit)
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, upd core.StatusUpdate) (bool, error) {
	var from []int
	for _, st := range core.Predecessors(upd.Status) {
		from = append(from, int(st))
	}
	if len(from) > 0 {
		q, args, err := sqlx.In(`update messages set
			status = ?,
			provider_reference = coalesce(nullif(?, ''), provider_reference),
			failure_reason = coalesce(nullif(?, ''), failure_reason),
			updated_at = ?
			where id = ? and status in (?)`,
			int(upd.Status), upd.ProviderReference, upd.FailureReason, time.Now().UTC(), id, from)
		if err != nil {
			return false, errors.Wrap(err, "building status update")
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
		if err != nil {
			return false, errors.Wrap(err, "updating message status")
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return true, nil
		}
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `select exists(select 1 from messages where id = ?)`, id); err != nil {
		return false, errors.Wrap(err, "checking message")
	}
	if !exists {
		return false, core.ErrMessageNotFound
	}
	return false, nil
}

func (s *Store) selectMessages(ctx context.Context, q string, args ...any) ([]core.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting messages")
	}
	out := make([]core.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out, nil
}
