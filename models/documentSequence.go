package models

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pos_backend/config"
	"pos_backend/workflow"
)

// DocumentSequence is the counter of record for one (document type,
// series) pair. Numbers are allocated by incrementing LastNumber inside
// the posting transaction, under SELECT ... FOR UPDATE on this row: a
// rolled-back sale rolls the increment back too, so the series stays
// gapless without any reclamation bookkeeping.
type DocumentSequence struct {
	ID           int          `gorm:"primary_key" json:"id"`
	DocumentType DocumentType `gorm:"type:enum('A','B');not null;uniqueIndex:idx_document_sequence_type_series" json:"document_type"`
	Series       string       `gorm:"size:10;not null;uniqueIndex:idx_document_sequence_type_series" json:"series"`
	Prefix       string       `gorm:"size:10;not null" json:"prefix"`
	LastNumber   int64        `gorm:"not null;default:0" json:"last_number"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

const documentNumberWidth = 8

func FormatDocumentNumber(prefix string, series string, n int64) string {
	return fmt.Sprintf("%s%s-%0*d", prefix, series, documentNumberWidth, n)
}

// ParseDocumentNumber extracts the sequence value from a document number
// belonging to the given prefix and series. Returns false for anything
// that does not parse back cleanly (wrong series, stray characters,
// truncated padding); callers treat those as malformed.
func ParseDocumentNumber(prefix string, series string, number string) (int64, bool) {
	head := prefix + series + "-"
	if !strings.HasPrefix(number, head) {
		return 0, false
	}
	digits := strings.TrimPrefix(number, head)
	if len(digits) < documentNumberWidth {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// MaxIssuedNumber scans issued document numbers and returns the highest
// value that parses cleanly, along with every number that did not. Used
// by first-use counter recovery and by the sequence audit CLI.
func MaxIssuedNumber(prefix string, series string, numbers []string) (int64, []string) {
	var max int64
	var malformed []string
	for _, number := range numbers {
		n, ok := ParseDocumentNumber(prefix, series, number)
		if !ok {
			malformed = append(malformed, number)
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, malformed
}

// DefaultDocumentSeries is the point-of-sale series for this deployment.
//
// Set via env:
// - DOCUMENT_SERIES=0001
func DefaultDocumentSeries() string {
	series := strings.TrimSpace(os.Getenv("DOCUMENT_SERIES"))
	if series == "" {
		return "0001"
	}
	return series
}

// documentPrefix resolves the number prefix for a document type, with a
// short Redis cache in front of the env lookup so hot posting paths skip
// repeated parsing. Redis being down just means the fallback runs.
func documentPrefix(docType DocumentType) string {
	cacheKey := "documentPrefix:" + string(docType)
	if cached, ok, err := config.GetRedisValue(cacheKey); err == nil && ok && cached != "" {
		return cached
	}

	var prefix string
	switch docType {
	case DocumentTypeA:
		prefix = strings.TrimSpace(os.Getenv("DOCUMENT_PREFIX_A"))
		if prefix == "" {
			prefix = "INV"
		}
	default:
		prefix = strings.TrimSpace(os.Getenv("DOCUMENT_PREFIX_B"))
		if prefix == "" {
			prefix = "TKT"
		}
	}

	_ = config.SetRedisValue(cacheKey, prefix, time.Hour)
	return prefix
}

// NextDocumentNumber allocates the next number of the series inside the
// caller's transaction. The counter row is locked FOR UPDATE for the rest
// of the transaction, which serializes concurrent postings on the same
// series and makes the allocation atomic with the sale insert.
func NextDocumentNumber(tx *gorm.DB, docType DocumentType, series string) (string, int64, error) {
	if !docType.Valid() {
		return "", 0, ErrInvalidDocumentType
	}

	var seq DocumentSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("document_type = ? AND series = ?", docType, series).
		First(&seq).Error
	if err == gorm.ErrRecordNotFound {
		recovered, rerr := recoverDocumentSequence(tx, docType, series)
		if rerr != nil {
			return "", 0, rerr
		}
		seq = *recovered
	} else if err != nil {
		return "", 0, err
	}

	next := seq.LastNumber + 1
	if err := tx.Model(&seq).Update("LastNumber", next).Error; err != nil {
		return "", 0, err
	}

	return FormatDocumentNumber(seq.Prefix, seq.Series, next), next, nil
}

// recoverDocumentSequence creates the counter row on first use, seeding
// it from the highest number already issued so a lost or pre-counter
// deployment cannot cause duplicates. Row creation races between
// instances are excluded by a MySQL advisory lock; the re-read under
// FOR UPDATE afterwards handles the instance that lost the race.
func recoverDocumentSequence(tx *gorm.DB, docType DocumentType, series string) (*DocumentSequence, error) {
	logger := config.GetLogger()

	if err := workflow.AcquireSeriesPostingLock(tx, string(docType), series); err != nil {
		return nil, err
	}
	defer workflow.ReleaseSeriesPostingLock(tx, string(docType), series)

	var seq DocumentSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("document_type = ? AND series = ?", docType, series).
		First(&seq).Error
	if err == nil {
		return &seq, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	prefix := documentPrefix(docType)

	var numbers []string
	if err := tx.Model(&Sale{}).
		Where("document_type = ?", docType).
		Pluck("document_number", &numbers).Error; err != nil {
		return nil, err
	}

	last, malformed := MaxIssuedNumber(prefix, series, numbers)
	for _, number := range malformed {
		logger.WithFields(logrus.Fields{
			"module":         "documentSequence.go",
			"funcName":       "recoverDocumentSequence",
			"documentType":   string(docType),
			"series":         series,
			"documentNumber": number,
		}).Warn("malformed document number skipped during sequence recovery")
	}

	seq = DocumentSequence{
		DocumentType: docType,
		Series:       series,
		Prefix:       prefix,
		LastNumber:   last,
	}
	if err := tx.Create(&seq).Error; err != nil {
		return nil, err
	}
	return &seq, nil
}
