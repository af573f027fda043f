package profiler

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

const startKey = "profiler:start"

// RegisterGormCallbacks times every statement run with a context that
// carries a Profiler.
func RegisterGormCallbacks(db *gorm.DB) error {
	before := func(tx *gorm.DB) {
		tx.InstanceSet(startKey, time.Now())
	}
	after := func(tx *gorm.DB) {
		p := FromContext(tx.Statement.Context)
		if p == nil {
			return
		}
		if v, ok := tx.InstanceGet(startKey); ok {
			if start, ok := v.(time.Time); ok {
				p.RecordQuery(time.Since(start))
			}
		}
	}

	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("profiler:before_create", before),
		cb.Create().After("gorm:create").Register("profiler:after_create", after),
		cb.Query().Before("gorm:query").Register("profiler:before_query", before),
		cb.Query().After("gorm:query").Register("profiler:after_query", after),
		cb.Update().Before("gorm:update").Register("profiler:before_update", before),
		cb.Update().After("gorm:update").Register("profiler:after_update", after),
		cb.Delete().Before("gorm:delete").Register("profiler:before_delete", before),
		cb.Delete().After("gorm:delete").Register("profiler:after_delete", after),
		cb.Row().Before("gorm:row").Register("profiler:before_row", before),
		cb.Row().After("gorm:row").Register("profiler:after_row", after),
		cb.Raw().Before("gorm:raw").Register("profiler:before_raw", before),
		cb.Raw().After("gorm:raw").Register("profiler:after_raw", after),
	)
}
