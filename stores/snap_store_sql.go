package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

// snapRow is the relational form of a snap
type snapRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Sender    string `gorm:"size:64;not null"`
	Recipient string `gorm:"size:64;not null;index:idx_snaps_inbox,priority:1"`
	Status    string `gorm:"size:16;not null;index:idx_snaps_inbox,priority:2"`
	MediaRef  string `gorm:"not null"`
	MediaKind string `gorm:"size:16;not null"`
	Window    string `gorm:"size:32;not null"`
	ViewedAt  *time.Time
	CreatedAt time.Time `gorm:"not null;index"`
	// set once the media is deleted from blob store
	MediaReleased bool `gorm:"not null;default:false"`
}

func (snapRow) TableName() string { return "snaps" }

func (r *snapRow) toSnap() (*md.Snap, *se.Err) {
	w, err := md.ParseViewWindow(r.Window)
	if err != nil {
		return nil, se.NewServiceFailure("error unmarshalling snap view window").WithCause(err)
	}
	sn := &md.Snap{
		ID:        r.ID,
		Sender:    r.Sender,
		Recipient: r.Recipient,
		MediaRef:  r.MediaRef,
		MediaKind: md.MediaKind(r.MediaKind),
		Window:    w,
		Status:    md.Status(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.ViewedAt != nil {
		t := r.ViewedAt.UTC()
		sn.ViewedAt = &t
	}
	return sn, nil
}

// SQLSnapStore is a SnapStore implementation driven by a SQL database via gorm. The view compare-and-swap
// is a single conditional UPDATE.
type SQLSnapStore struct {
	DB        *gorm.DB
	Retention time.Duration
}

// NewSQLSnapStore opens the SQLite database at dsn and migrates the snap schema
func NewSQLSnapStore(dsn string, retention time.Duration) (*SQLSnapStore, *se.Err) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, se.NewDependencyFailure("error opening snap database").WithCause(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, se.NewDependencyFailure("error accessing snap database").WithCause(err)
	}
	// SQLite serializes writers anyway; a single connection avoids SQLITE_BUSY under concurrent views
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&snapRow{}); err != nil {
		sqlDB.Close()
		return nil, se.NewDependencyFailure("error migrating snap schema").WithCause(err)
	}
	return &SQLSnapStore{DB: db, Retention: retention}, nil
}

func (s *SQLSnapStore) Create(ctx context.Context, sn *md.Snap) *se.Err {
	row := &snapRow{
		ID:        sn.ID,
		Sender:    sn.Sender,
		Recipient: sn.Recipient,
		Status:    string(md.StatusDelivered),
		MediaRef:  sn.MediaRef,
		MediaKind: string(sn.MediaKind),
		Window:    sn.Window.String(),
		CreatedAt: sn.CreatedAt.UTC(),
	}
	if err := s.DB.WithContext(ctx).Create(row).Error; err != nil {
		logging.WithFuncName().WithField("snapID", sn.ID).WithError(err).Error("error inserting snap")
		return se.NewServiceFailure("error creating snap").WithCause(err)
	}
	return nil
}

func (s *SQLSnapStore) Get(ctx context.Context, snapID string) (*md.Snap, *se.Err) {
	var row snapRow
	if err := s.DB.WithContext(ctx).Take(&row, "id = ?", snapID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, se.NewNotFound(fmt.Sprintf("snap %s not found", snapID))
		}
		logging.WithFuncName().WithField("snapID", snapID).WithError(err).Error("error querying snap")
		return nil, se.NewServiceFailure("error getting snap data").WithCause(err)
	}
	return row.toSnap()
}

func (s *SQLSnapStore) ListPending(ctx context.Context, recipientID string, now time.Time) ([]*md.Snap, *se.Err) {
	var rows []snapRow
	cutoff := now.Add(-s.Retention).UTC()
	if err := s.DB.WithContext(ctx).
		Where("recipient = ? AND status = ? AND created_at > ?", recipientID, string(md.StatusDelivered), cutoff).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		logging.WithFuncName().WithField("userID", recipientID).WithError(err).Error("error querying pending snaps")
		return nil, se.NewServiceFailure("error listing pending snaps").WithCause(err)
	}
	snaps := make([]*md.Snap, 0, len(rows))
	for i := range rows {
		sn, err := rows[i].toSnap()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, sn)
	}
	return snaps, nil
}

func (s *SQLSnapStore) MarkViewed(ctx context.Context, snapID, callerID string, now time.Time) (*md.Snap, *se.Err) {
	clog := logging.WithFuncName().WithFields(map[string]interface{}{"snapID": snapID, "userID": callerID})
	cutoff := now.Add(-s.Retention).UTC()
	var (
		row snapRow
		won bool
	)
	// the swap and the read of its outcome commit or roll back together
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&snapRow{}).
			Where("id = ? AND recipient = ? AND status = ? AND created_at > ?",
				snapID, callerID, string(md.StatusDelivered), cutoff).
			Updates(map[string]interface{}{"status": string(md.StatusViewed), "viewed_at": now.UTC()})
		if res.Error != nil {
			return res.Error
		}
		won = res.RowsAffected == 1
		return tx.Take(&row, "id = ?", snapID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, se.NewNotFound(fmt.Sprintf("snap %s not found", snapID))
	}
	if err != nil {
		msg := "error marking snap viewed"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	if won {
		return row.toSnap()
	}
	// lost the swap; tell why
	if row.Recipient != callerID {
		return nil, se.NewForbidden(fmt.Sprintf("snap %s is not addressed to caller", snapID))
	}
	return nil, se.NewNotFound(fmt.Sprintf("snap %s not found", snapID))
}

func (s *SQLSnapStore) ReleaseMedia(ctx context.Context, snapID string) *se.Err {
	if err := s.DB.WithContext(ctx).Model(&snapRow{}).Where("id = ?", snapID).
		Update("media_released", true).Error; err != nil {
		msg := "error releasing snap media refs"
		logging.WithFuncName().WithField("snapID", snapID).WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	return nil
}

func (s *SQLSnapStore) Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *se.Err) {
	if max < 0 {
		return nil, se.NewBadInput(fmt.Sprintf("got negative max item count %d", max))
	}
	q := s.DB.WithContext(ctx).
		Where("created_at <= ?", now.Add(-s.Retention).UTC()).
		Order("created_at ASC")
	if max > 0 {
		q = q.Limit(max)
	}
	var rows []snapRow
	if err := q.Find(&rows).Error; err != nil {
		logging.WithFuncName().WithError(err).Error("error querying stale snaps")
		return nil, se.NewServiceFailure("error loading junk snaps").WithCause(err)
	}
	jks := make([]*md.Junk, 0, len(rows))
	for _, r := range rows {
		refs := []string{}
		if !r.MediaReleased {
			refs = append(refs, r.MediaRef)
		}
		jks = append(jks, &md.Junk{SnapID: r.ID, BlobRefs: refs})
	}
	return jks, nil
}

func (s *SQLSnapStore) Deregister(ctx context.Context, snapID string) *se.Err {
	if err := s.DB.WithContext(ctx).Delete(&snapRow{}, "id = ?", snapID).Error; err != nil {
		logging.WithFuncName().WithField("snapID", snapID).WithError(err).Error("error deleting snap")
		return se.NewServiceFailure("error deregistering snap").WithCause(err)
	}
	return nil
}

func (s *SQLSnapStore) Close() *se.Err {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return se.NewServiceFailure("failed accessing snap database").WithCause(err)
	}
	if err := sqlDB.Close(); err != nil {
		return se.NewServiceFailure("failed closing snap database").WithCause(err)
	}
	return nil
}
