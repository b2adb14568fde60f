package scheduler

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"dmlistener.evalgo.org/resourcelock"
	"dmlistener.evalgo.org/task"
)

// followUpTaskRow is the GORM model backing the follow-up task store. Unlike
// the lease queue table (raw SQL, SKIP LOCKED contention), this store's
// access pattern is a plain insert-on-commit / delete-on-terminal, which
// GORM models without friction.
type followUpTaskRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	Action      string `gorm:"index"`
	ParamsJSON  string
	ResourceIDs string
	Signature   string `gorm:"index"`
}

func (followUpTaskRow) TableName() string { return "sz_follow_up_task" }

// GormStore is a Store backed by gorm.io/gorm, usable with either the
// postgres or sqlite driver depending on deployment.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already-configured *gorm.DB and migrates its schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&followUpTaskRow{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) PersistBatch(ctx context.Context, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	rows := make([]followUpTaskRow, 0, len(tasks))
	for _, t := range tasks {
		paramsJSON, err := json.Marshal(t.Params())
		if err != nil {
			return err
		}
		resources := t.Resources()
		ids := make([]string, len(resources))
		for i, r := range resources {
			ids[i] = r.String()
		}
		resourcesJSON, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		rows = append(rows, followUpTaskRow{
			ID:          t.ID(),
			Action:      t.Action(),
			ParamsJSON:  string(paramsJSON),
			ResourceIDs: string(resourcesJSON),
			Signature:   t.Signature(),
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

func (s *GormStore) Remove(ctx context.Context, taskID int64) error {
	return s.db.WithContext(ctx).Delete(&followUpTaskRow{}, "id = ?", taskID).Error
}

// decodeResources is a helper exposed for diagnostics/tests that need to
// reconstruct resource keys from a persisted row.
func decodeResources(resourceIDsJSON string) ([]resourcelock.ResourceKey, error) {
	var ids []string
	if err := json.Unmarshal([]byte(resourceIDsJSON), &ids); err != nil {
		return nil, err
	}
	keys := make([]resourcelock.ResourceKey, len(ids))
	for i, id := range ids {
		k, err := resourcelock.ParseResourceKey(id)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}
