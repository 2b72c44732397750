package notification

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/notifan/pkg/event"
	"github.com/nao1215/notifan/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound は条件に一致する通知レコードが存在しないことを表す。
var ErrNotFound = errors.New("通知レコードが見つかりません")

// Driver はストアが使用するデータベースの種類。
type Driver string

const (
	// DriverSQLite はmodernc.org/sqliteを使用する。
	DriverSQLite Driver = "sqlite"
	// DriverPostgres はpgxのdatabase/sqlドライバを使用する。
	DriverPostgres Driver = "postgres"
)

// sqlDriverName はdatabase/sqlに登録されたドライバ名を返す。
func (d Driver) sqlDriverName() (string, error) {
	switch d {
	case DriverSQLite:
		return "sqlite", nil
	case DriverPostgres:
		return "pgx", nil
	}
	return "", fmt.Errorf("未対応のストアドライバです: %q", string(d))
}

func (d Driver) bindVar() migration.BindVar {
	if d == DriverPostgres {
		return migration.BindDollar
	}
	return migration.BindQuestion
}

// Store は通知レコードをSQLデータベースに保存する。並行利用しても安全。
type Store struct {
	// db はデータベース接続。
	db *sql.DB
	// driver は接続先データベースの種類。
	driver Driver
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// Open はデータベースに接続し、スキーマを適用したStoreを返す。
func Open(ctx context.Context, driver Driver, dsn string, logger *zap.Logger) (*Store, error) {
	name, err := driver.sqlDriverName()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if driver == DriverSQLite {
		// SQLiteは書き込みが直列化されるため接続を1本に絞りbusyエラーを避ける
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	s, err := NewStore(ctx, db, driver, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore は既存の接続からStoreを生成し、スキーマを適用する。
func NewStore(ctx context.Context, db *sql.DB, driver Driver, logger *zap.Logger) (*Store, error) {
	if _, err := driver.sqlDriverName(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := "migrations/" + string(driver)
	if err := migration.Run(ctx, db, migrationsFS, dir,
		migration.WithLogger(logger.With(zap.String("component", "migration"))),
		migration.WithBindVar(driver.bindVar()),
	); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return &Store{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) rebind(query string) string {
	return migration.Rebind(s.driver.bindVar(), query)
}

// Create は通知レコードをCREATED状態で作成し、採番されたIDを含むレコードを返す。
func (s *Store) Create(ctx context.Context, req CreateRequest) (Record, error) {
	if !req.Type.Valid() {
		return Record{}, fmt.Errorf("通知チャネルが不正です: %q", string(req.Type))
	}
	if req.Credential == "" {
		return Record{}, errors.New("宛先が空です")
	}

	now := s.now()
	rec := Record{
		Type:        req.Type,
		Status:      StatusCreated,
		Credential:  req.Credential,
		ClientID:    req.ClientID,
		RecipientID: req.RecipientID,
		Template:    req.Template,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := s.rebind(`
		INSERT INTO notifications (type, status, credential, client_id, recipient_id, template, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := s.db.QueryRowContext(ctx, query,
		string(rec.Type), string(rec.Status), rec.Credential,
		rec.ClientID, rec.RecipientID, nullableTemplate(rec.Template),
		rec.CreatedAt, rec.UpdatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return Record{}, fmt.Errorf("通知レコードの作成に失敗: %w", err)
	}
	return rec, nil
}

// SetPending はクライアントが所有するCREATEDのレコードをPENDINGに遷移させる。
// 対象が存在しない、または既にPENDINGの場合はErrNotFoundを返す。
func (s *Store) SetPending(ctx context.Context, clientID, id int64) error {
	query := s.rebind(`
		UPDATE notifications SET status = ?, updated_at = ?
		WHERE id = ? AND client_id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(StatusPending), s.now(), id, clientID, string(StatusCreated))
	if err != nil {
		return fmt.Errorf("通知レコードのPENDING化に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("PENDING化の対象がありません: id=%d, client_id=%d: %w", id, clientID, ErrNotFound)
	}
	return nil
}

const selectColumns = `id, type, status, credential, client_id, recipient_id, template, created_at, updated_at`

// Get はクライアントが所有する通知レコードを1件取得する。
func (s *Store) Get(ctx context.Context, clientID, id int64) (Record, error) {
	query := s.rebind(`SELECT ` + selectColumns + ` FROM notifications WHERE id = ? AND client_id = ?`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("通知レコードの取得に失敗: %w", err)
	}
	return rec, nil
}

// ListByClient はクライアントの通知レコードを新しい順に最大limit件返す。
func (s *Store) ListByClient(ctx context.Context, clientID int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + selectColumns + ` FROM notifications WHERE client_id = ? ORDER BY id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("通知レコードの読み取りに失敗: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知一覧の読み取りに失敗: %w", err)
	}
	return records, nil
}

// scanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec      Record
		typ      string
		status   string
		template sql.NullString
	)
	if err := row.Scan(&rec.ID, &typ, &status, &rec.Credential, &rec.ClientID,
		&rec.RecipientID, &template, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.Type = event.Channel(typ)
	rec.Status = Status(status)
	if template.Valid {
		rec.Template = []byte(template.String)
	}
	return rec, nil
}

// nullableTemplate は空のテンプレートをNULLとして保存するための値を返す。
func nullableTemplate(t []byte) any {
	if len(t) == 0 {
		return nil
	}
	return string(t)
}
