package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireSeriesPostingLock serializes first-use recovery of a document
// number series across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the posting transaction.
func AcquireSeriesPostingLock(tx *gorm.DB, documentType string, series string) error {
	lockName := fmt.Sprintf("docseq:%s:%s", documentType, series)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire series lock for document_type=%s series=%s", documentType, series)
	}
	return nil
}

func ReleaseSeriesPostingLock(tx *gorm.DB, documentType string, series string) {
	lockName := fmt.Sprintf("docseq:%s:%s", documentType, series)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
