package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const (
	userColumns = "id,username,tag,status,muted_until,bots_only,is_bot,is_admin"

	getUserSQL       = "SELECT " + userColumns + " FROM users WHERE id=?"
	getUserByNameSQL = "SELECT " + userColumns + " FROM users WHERE username=?"
	listBotsSQL      = "SELECT " + userColumns + " FROM users WHERE is_bot=1"
	listBotIDsSQL    = "SELECT id FROM users WHERE is_bot=1"

	lockMuteSQL  = "SELECT bots_only,muted_until FROM users WHERE id=? FOR UPDATE"
	clearMuteSQL = "UPDATE users SET bots_only=0,muted_until=NULL,status=? WHERE id=?"

	msgColumns = "id,sender_id,receiver_id,content,create_time,is_read," +
		"file_name,file_path,file_size,file_type"

	insertMessageSQL = "INSERT INTO messages (sender_id,receiver_id,content,create_time,is_read) " +
		"VALUES (?,?,?,?,0)"
	historySQL = "SELECT " + msgColumns + " FROM messages " +
		"WHERE (sender_id=? AND receiver_id=?) OR (sender_id=? AND receiver_id=?) " +
		"ORDER BY create_time LIMIT ?"
	markHistoryReadSQL = "UPDATE messages SET is_read=1 WHERE receiver_id=? AND sender_id=? AND is_read=0"
	unreadCountsSQL    = "SELECT m.sender_id,u.username,u.tag,COUNT(m.id) " +
		"FROM messages AS m JOIN users AS u ON u.id=m.sender_id " +
		"WHERE m.receiver_id=? AND m.is_read=0 " +
		"GROUP BY m.sender_id,u.username,u.tag"
	markReadSQL    = "UPDATE messages SET is_read=1 WHERE id=? AND receiver_id=? AND is_read=0"
	markAllReadSQL = "UPDATE messages SET is_read=1 WHERE sender_id=? AND receiver_id=? AND is_read=0"

	getContactSQL    = "SELECT id FROM contacts WHERE owner_id=? AND contact_id=?"
	insertContactSQL = "INSERT INTO contacts (owner_id,contact_id,custom_name,favorite,auto_added,create_time) " +
		"VALUES (?,?,NULL,0,1,?)"
)

// mysqlStore implements interface `IStore` on MySQL.
type mysqlStore struct {
	*sql.DB
}

func NewStore(db *sql.DB) *mysqlStore {
	return &mysqlStore{db}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

// IsDupKeyError reports whether err is a MySQL duplicate key error.
func IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var status string
	var mutedUntil sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.Tag, &status, &mutedUntil,
		&u.BotsOnly, &u.IsBot, &u.IsAdmin); err != nil {
		return nil, err
	}
	u.Status = UserStatus(status)
	if mutedUntil.Valid {
		t := mutedUntil.Time
		u.MutedUntil = &t
	}
	return &u, nil
}

func (s *mysqlStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, getUserSQL, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		glog.Errorf("get user scan err: %v", err)
		return nil, err
	}
	return u, nil
}

func (s *mysqlStore) GetUserByName(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, getUserByNameSQL, username))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		glog.Errorf("get user by name scan err: %v", err)
		return nil, err
	}
	return u, nil
}

func (s *mysqlStore) ListBotIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.QueryContext(ctx, listBotIDsSQL)
	if err != nil {
		glog.Errorf("list bot ids query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *mysqlStore) ListBots(ctx context.Context) ([]*User, error) {
	rows, err := s.QueryContext(ctx, listBotsSQL)
	if err != nil {
		glog.Errorf("list bots query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var bots []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, u)
	}
	return bots, rows.Err()
}

func (s *mysqlStore) CreateMessage(ctx context.Context, senderID, receiverID int64, content string) (*Message, error) {
	// Truncate to second resolution so the returned timestamp equals
	// what a later read of the row reports.
	now := time.Now().Truncate(time.Second)

	res, err := s.ExecContext(ctx, insertMessageSQL, senderID, receiverID, content, now)
	if err != nil {
		glog.Errorf("insert message exec err: %v", err)
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreateTime: now,
	}, nil
}

func (s *mysqlStore) ClearExpiredMute(ctx context.Context, userID int64) (bool, error) {
	var cleared bool
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var botsOnly bool
		var mutedUntil sql.NullTime

		// select for update: two connections evaluating the same user
		// must not both observe the stale mute.
		row := tx.QueryRowContext(ctx, lockMuteSQL, userID)
		if err := row.Scan(&botsOnly, &mutedUntil); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			glog.Errorf("lock mute scan err: %v", err)
			return err
		}

		if !botsOnly || !mutedUntil.Valid || mutedUntil.Time.After(time.Now()) {
			return nil
		}

		if _, err := tx.ExecContext(ctx, clearMuteSQL, string(StatusOnline), userID); err != nil {
			glog.Errorf("clear mute exec err: %v", err)
			return err
		}
		cleared = true
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable}); err != nil {
		return false, err
	}
	return cleared, nil
}

func (s *mysqlStore) EnsureContact(ctx context.Context, ownerID, contactID int64) (bool, error) {
	var created bool
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, getContactSQL, ownerID, contactID).Scan(&id)
		if err == nil {
			// Existing edge, custom name and favorite flag stay as-is.
			return nil
		}
		if err != sql.ErrNoRows {
			glog.Errorf("get contact scan err: %v", err)
			return err
		}

		if _, err := tx.ExecContext(ctx, insertContactSQL, ownerID, contactID, time.Now()); err != nil {
			// A concurrent insert of the same edge is not an error.
			if IsDupKeyError(err) {
				return nil
			}
			glog.Errorf("insert contact exec err: %v", err)
			return err
		}
		created = true
		return nil
	}); err != nil {
		return false, err
	}
	return created, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var fileName, filePath, fileType sql.NullString
	var fileSize sql.NullInt64
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreateTime,
		&m.IsRead, &fileName, &filePath, &fileSize, &fileType); err != nil {
		return nil, err
	}
	if fileName.Valid {
		m.File = &FileMeta{
			Name: fileName.String,
			Path: filePath.String,
			Size: fileSize.Int64,
			Type: fileType.String,
		}
	}
	return &m, nil
}

func (s *mysqlStore) History(ctx context.Context, userID, peerID int64, limit int32) ([]*Message, error) {
	var msgs []*Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, historySQL, userID, peerID, peerID, userID, limit)
		if err != nil {
			glog.Errorf("history query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				glog.Errorf("history scan err: %v", err)
				return err
			}
			if m.ReceiverID == userID {
				m.IsRead = true
			}
			msgs = append(msgs, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, markHistoryReadSQL, userID, peerID)
		return err
	}); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *mysqlStore) UnreadCounts(ctx context.Context, userID int64) ([]*UnreadCount, error) {
	rows, err := s.QueryContext(ctx, unreadCountsSQL, userID)
	if err != nil {
		glog.Errorf("unread counts query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*UnreadCount
	for rows.Next() {
		var c UnreadCount
		if err := rows.Scan(&c.SenderID, &c.Username, &c.Tag, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *mysqlStore) MarkRead(ctx context.Context, userID, messageID int64) (bool, error) {
	res, err := s.ExecContext(ctx, markReadSQL, messageID, userID)
	if err != nil {
		glog.Errorf("mark read exec err: %v", err)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *mysqlStore) MarkAllRead(ctx context.Context, userID, senderID int64) (int64, error) {
	res, err := s.ExecContext(ctx, markAllReadSQL, senderID, userID)
	if err != nil {
		glog.Errorf("mark all read exec err: %v", err)
		return 0, err
	}
	return res.RowsAffected()
}
