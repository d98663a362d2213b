// Package store implements Hedwig's repository: transactional access
// to hubs, emails, recipients, and unsubscribes over a SQLite
// database, following an upsert-and-migrate-on-open idiom: the schema
// is created by Open, and unsubscribes are inserted with ON CONFLICT.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pushkind/hedwig/internal/hedwig/domain"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS hubs (
	id INTEGER PRIMARY KEY,
	login TEXT,
	password TEXT,
	sender TEXT,
	smtp_server TEXT,
	smtp_port INTEGER,
	imap_server TEXT,
	imap_port INTEGER,
	email_template TEXT,
	imap_last_uid INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP,
	updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS emails (
	id INTEGER PRIMARY KEY,
	hub_id INTEGER NOT NULL REFERENCES hubs(id),
	message TEXT NOT NULL,
	subject TEXT,
	attachment BLOB,
	attachment_name TEXT,
	attachment_mime TEXT,
	num_sent INTEGER NOT NULL DEFAULT 0,
	num_opened INTEGER NOT NULL DEFAULT 0,
	num_replied INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS email_recipients (
	id INTEGER PRIMARY KEY,
	email_id INTEGER NOT NULL REFERENCES emails(id),
	address TEXT NOT NULL,
	name TEXT,
	fields TEXT,
	is_sent BOOL NOT NULL DEFAULT 0,
	opened BOOL NOT NULL DEFAULT 0,
	replied BOOL NOT NULL DEFAULT 0,
	reply TEXT,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS unsubscribes (
	email TEXT NOT NULL,
	hub_id INTEGER NOT NULL,
	reason TEXT,
	UNIQUE(email, hub_id)
);
`

// Store is Hedwig's repository, backed by a pooled *sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs the
// schema migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListHubs returns every configured hub.
func (s *Store) ListHubs(ctx context.Context) ([]domain.Hub, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, login, password, sender, smtp_server, smtp_port, imap_server, imap_port, email_template, imap_last_uid, created_at, updated_at FROM hubs`)
	if err != nil {
		return nil, fmt.Errorf("list hubs: %w", err)
	}
	defer rows.Close()

	var hubs []domain.Hub
	for rows.Next() {
		h, err := scanHub(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hub: %w", err)
		}
		hubs = append(hubs, h)
	}
	return hubs, rows.Err()
}

// GetHubByID returns a single hub, or ErrNotFound.
func (s *Store) GetHubByID(ctx context.Context, id int64) (domain.Hub, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, login, password, sender, smtp_server, smtp_port, imap_server, imap_port, email_template, imap_last_uid, created_at, updated_at FROM hubs WHERE id = ?`, id)
	h, err := scanHub(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Hub{}, ErrNotFound
	}
	if err != nil {
		return domain.Hub{}, fmt.Errorf("get hub %d: %w", id, err)
	}
	return h, nil
}

// SetImapLastUID persists the watermark for a hub. It never decreases
// the stored value: callers are expected to call this only with
// monotonically increasing UIDs, but the statement is written
// defensively with a MAX() guard so a stray out-of-order call cannot
// regress the watermark.
func (s *Store) SetImapLastUID(ctx context.Context, hubID int64, uid int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE hubs SET imap_last_uid = MAX(imap_last_uid, ?), updated_at = ? WHERE id = ?`,
		uid, time.Now().UTC(), hubID)
	if err != nil {
		return fmt.Errorf("set imap_last_uid for hub %d: %w", hubID, err)
	}
	return nil
}

// ListNotRepliedEmailRecipients returns every recipient of the given
// hub that has not yet replied. It exists only to back the explicitly
// opt-in legacy backlog rescan (see SPEC_FULL.md §4.3/§9) and is never
// called from the default reply-monitor lifecycle.
func (s *Store) ListNotRepliedEmailRecipients(ctx context.Context, hubID int64) ([]domain.EmailRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.email_id, r.address, r.name, r.fields, r.is_sent, r.opened, r.replied, r.reply, r.updated_at
		FROM email_recipients r
		JOIN emails e ON e.id = r.email_id
		WHERE r.replied = 0 AND e.hub_id = ?`, hubID)
	if err != nil {
		return nil, fmt.Errorf("list not-replied recipients for hub %d: %w", hubID, err)
	}
	defer rows.Close()

	var out []domain.EmailRecipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetEmailRecipientByID returns a recipient scoped to the given hub,
// joined through its parent email row.
func (s *Store) GetEmailRecipientByID(ctx context.Context, id int64, hubID int64) (domain.EmailRecipient, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.email_id, r.address, r.name, r.fields, r.is_sent, r.opened, r.replied, r.reply, r.updated_at
		FROM email_recipients r
		JOIN emails e ON e.id = r.email_id
		WHERE r.id = ? AND e.hub_id = ?`, id, hubID)
	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EmailRecipient{}, ErrNotFound
	}
	if err != nil {
		return domain.EmailRecipient{}, fmt.Errorf("get recipient %d: %w", id, err)
	}
	return r, nil
}

// GetEmailByID returns an email and its recipients, scoped to a hub.
func (s *Store) GetEmailByID(ctx context.Context, id int64, hubID int64) (domain.EmailWithRecipients, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hub_id, message, subject, attachment, attachment_name, attachment_mime, num_sent, num_opened, num_replied, created_at
		FROM emails WHERE id = ? AND hub_id = ?`, id, hubID)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EmailWithRecipients{}, ErrNotFound
	}
	if err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("get email %d: %w", id, err)
	}

	recipients, err := s.listRecipientsByEmail(ctx, s.db, email.ID)
	if err != nil {
		return domain.EmailWithRecipients{}, err
	}
	return domain.EmailWithRecipients{Email: email, Recipients: recipients}, nil
}

func (s *Store) listRecipientsByEmail(ctx context.Context, q querier, emailID int64) ([]domain.EmailRecipient, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, email_id, address, name, fields, is_sent, opened, replied, reply, updated_at
		FROM email_recipients WHERE email_id = ?`, emailID)
	if err != nil {
		return nil, fmt.Errorf("list recipients for email %d: %w", emailID, err)
	}
	defer rows.Close()

	var out []domain.EmailRecipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateEmail inserts an email batch and every recipient row in a
// single transaction.
func (s *Store) CreateEmail(ctx context.Context, in domain.NewEmail) (domain.EmailWithRecipients, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("begin create-email tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO emails (hub_id, message, subject, attachment, attachment_name, attachment_mime, num_sent, num_opened, num_replied, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		in.HubID, in.Message, nullableString(in.Subject), nullableBytes(in.Attachment), nullableString(in.AttachmentName), nullableString(in.AttachmentMime), now)
	if err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("insert email: %w", err)
	}
	emailID, err := res.LastInsertId()
	if err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("email last insert id: %w", err)
	}

	for _, rec := range in.Recipients {
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			return domain.EmailWithRecipients{}, fmt.Errorf("marshal recipient fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO email_recipients (email_id, address, name, fields, is_sent, opened, replied, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, 0, ?)`,
			emailID, rec.Address, rec.Name, string(fieldsJSON), now); err != nil {
			return domain.EmailWithRecipients{}, fmt.Errorf("insert recipient %s: %w", rec.Address, err)
		}
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, hub_id, message, subject, attachment, attachment_name, attachment_mime, num_sent, num_opened, num_replied, created_at
		FROM emails WHERE id = ?`, emailID)
	email, err := scanEmail(row)
	if err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("reload email %d: %w", emailID, err)
	}
	recipients, err := s.listRecipientsByEmail(ctx, tx, emailID)
	if err != nil {
		return domain.EmailWithRecipients{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("commit create-email tx: %w", err)
	}
	return domain.EmailWithRecipients{Email: email, Recipients: recipients}, nil
}

// UpdateRecipient applies a partial update to a recipient row and
// recomputes the parent email's aggregate counters, all inside one
// transaction, per the invariant in SPEC_FULL.md §4.5.
func (s *Store) UpdateRecipient(ctx context.Context, recipientID int64, updates domain.UpdateRecipient) (domain.EmailWithRecipients, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("begin update-recipient tx: %w", err)
	}
	defer tx.Rollback()

	var emailID int64
	if err := tx.QueryRowContext(ctx, `SELECT email_id FROM email_recipients WHERE id = ?`, recipientID).Scan(&emailID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.EmailWithRecipients{}, ErrNotFound
		}
		return domain.EmailWithRecipients{}, fmt.Errorf("lookup recipient %d: %w", recipientID, err)
	}

	setClauses := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if updates.IsSent != nil {
		setClauses = append(setClauses, "is_sent = ?")
		args = append(args, *updates.IsSent)
	}
	if updates.Opened != nil {
		setClauses = append(setClauses, "opened = ?")
		args = append(args, *updates.Opened)
	}
	if updates.Replied != nil {
		setClauses = append(setClauses, "replied = ?")
		args = append(args, *updates.Replied)
	}
	if updates.Reply != nil {
		setClauses = append(setClauses, "reply = ?")
		args = append(args, *updates.Reply)
	}
	args = append(args, recipientID)

	query := "UPDATE email_recipients SET " + joinClauses(setClauses) + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("update recipient %d: %w", recipientID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE emails SET
			num_sent = (SELECT COUNT(*) FROM email_recipients WHERE email_id = ? AND is_sent = 1),
			num_opened = (SELECT COUNT(*) FROM email_recipients WHERE email_id = ? AND opened = 1),
			num_replied = (SELECT COUNT(*) FROM email_recipients WHERE email_id = ? AND replied = 1)
		WHERE id = ?`, emailID, emailID, emailID, emailID); err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("recompute stats for email %d: %w", emailID, err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, hub_id, message, subject, attachment, attachment_name, attachment_mime, num_sent, num_opened, num_replied, created_at
		FROM emails WHERE id = ?`, emailID)
	email, err := scanEmail(row)
	if err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("reload email %d: %w", emailID, err)
	}
	recipients, err := s.listRecipientsByEmail(ctx, tx, emailID)
	if err != nil {
		return domain.EmailWithRecipients{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.EmailWithRecipients{}, fmt.Errorf("commit update-recipient tx: %w", err)
	}
	return domain.EmailWithRecipients{Email: email, Recipients: recipients}, nil
}

// UnsubscribeRecipient records an opt-out idempotently: a second call
// for the same (email, hub_id) pair is a silent no-op.
func (s *Store) UnsubscribeRecipient(ctx context.Context, email string, hubID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unsubscribes (email, hub_id, reason) VALUES (?, ?, ?) ON CONFLICT (email, hub_id) DO NOTHING`,
		email, hubID, nullableString(reason))
	if err != nil {
		return fmt.Errorf("unsubscribe %s for hub %d: %w", email, hubID, err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHub(row scanner) (domain.Hub, error) {
	var h domain.Hub
	var login, password, sender, smtpServer, imapServer, emailTemplate sql.NullString
	var smtpPort, imapPort sql.NullInt64
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(&h.ID, &login, &password, &sender, &smtpServer, &smtpPort, &imapServer, &imapPort, &emailTemplate, &h.ImapLastUID, &createdAt, &updatedAt)
	if err != nil {
		return domain.Hub{}, err
	}
	h.Login = login.String
	h.Password = password.String
	h.Sender = sender.String
	h.SMTPServer = smtpServer.String
	h.SMTPPort = int(smtpPort.Int64)
	h.IMAPServer = imapServer.String
	h.IMAPPort = int(imapPort.Int64)
	h.EmailTemplate = emailTemplate.String
	h.CreatedAt = createdAt.Time
	h.UpdatedAt = updatedAt.Time
	return h, nil
}

func scanEmail(row scanner) (domain.Email, error) {
	var e domain.Email
	var subject, attachmentName, attachmentMime sql.NullString
	var attachment []byte

	err := row.Scan(&e.ID, &e.HubID, &e.Message, &subject, &attachment, &attachmentName, &attachmentMime, &e.NumSent, &e.NumOpened, &e.NumReplied, &e.CreatedAt)
	if err != nil {
		return domain.Email{}, err
	}
	e.Subject = subject.String
	e.Attachment = attachment
	e.AttachmentName = attachmentName.String
	e.AttachmentMime = attachmentMime.String
	return e, nil
}

func scanRecipient(row scanner) (domain.EmailRecipient, error) {
	var r domain.EmailRecipient
	var name, fieldsJSON, reply sql.NullString

	err := row.Scan(&r.ID, &r.EmailID, &r.Address, &name, &fieldsJSON, &r.IsSent, &r.Opened, &r.Replied, &reply, &r.UpdatedAt)
	if err != nil {
		return domain.EmailRecipient{}, err
	}
	r.Name = name.String
	r.Reply = reply.String
	r.Fields = map[string]string{}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &r.Fields); err != nil {
			return domain.EmailRecipient{}, fmt.Errorf("unmarshal recipient fields: %w", err)
		}
	}
	return r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func joinClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
