package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/lock"
	"gorm.io/gorm/clause"
)

// AcquireLease claims topic with one conditional UPDATE so that at most one caller wins.
func (store *Store) AcquireLease(ctx context.Context, topic string, owner string, nowUnixUTC int64, openUntilUnixUTC int64) (bool, error) {
	err := store.conn(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&LogicalLock{Topic: topic}).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeCreate, err)
	}
	result := store.conn(ctx).
		Model(&LogicalLock{}).
		Where("topic = ? AND open_until_unix_utc <= ?", topic, nowUnixUTC).
		Updates(map[string]interface{}{
			"owner":               owner,
			"open_until_unix_utc": openUntilUnixUTC,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLock, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ReleaseLease(ctx context.Context, topic string, owner string) error {
	err := store.conn(ctx).
		Model(&LogicalLock{}).
		Where("topic = ? AND owner = ?", topic, owner).
		Update("open_until_unix_utc", 0).Error
	if err != nil {
		return wrapStoreError(errorSubjectLock, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) GetLease(ctx context.Context, topic string) (lock.Lease, bool, error) {
	var record LogicalLock
	err := store.conn(ctx).Where("topic = ?", topic).Take(&record).Error
	if isNotFound(err) {
		return lock.Lease{}, false, nil
	}
	if err != nil {
		return lock.Lease{}, false, wrapStoreError(errorSubjectLock, errorCodeGet, err)
	}
	return lock.Lease{Topic: record.Topic, Owner: record.Owner, OpenUntilUnixUTC: record.OpenUntilUnixUTC}, true, nil
}
