package store

import (
	"context"
	"errors"

	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// 文档元数据行
type Document struct {
	ID      uint64 `gorm:"primaryKey"`
	DocID   string `gorm:"column:doc_id;uniqueIndex"`
	Title   string `gorm:"uniqueIndex"`
	OwnerID uint64 `gorm:"column:owner_id"`
}

type User struct {
	ID       uint64 `gorm:"primaryKey"`
	Username string `gorm:"uniqueIndex"`
}

var ErrDocumentUnknown = errors.New("document not registered")

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("title = ?", title).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrDocumentUnknown
	}
	if err != nil {
		return "", err
	}
	return doc.DocID, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, docID, title string) error {
	return s.db.WithContext(ctx).Create(&Document{DocID: docID, Title: title, OwnerID: ownerID}).Error
}

type UserStore struct{ db *gorm.DB }

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) GetUserID(ctx context.Context, username string) (uint64, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return 0, err
	}
	return u.ID, nil
}
