package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
)

// ElementStore is the persistence collaborator: the collaboration core only
// talks to page content at rest through this boundary, on room bootstrap and
// room teardown.
type ElementStore interface {
	LoadPage(ctx context.Context, projectID, pageID string) (*element.Forest, error)
	FlushPage(ctx context.Context, projectID, pageID string, f *element.Forest) error
}

// PageElement is the at-rest row for one element. Attribute maps and the
// child order are stored as JSON columns.
type PageElement struct {
	ID        string `gorm:"primaryKey;size:64"`
	ProjectID string `gorm:"primaryKey;size:64;index:idx_room"`
	PageID    string `gorm:"primaryKey;size:64;index:idx_room"`
	Type      string `gorm:"size:64"`
	ParentID  string `gorm:"size:64"`
	Styles    string `gorm:"type:json"`
	Settings  string `gorm:"type:json"`
	Children  string `gorm:"type:json"`
	UpdatedAt time.Time
}

func (PageElement) TableName() string { return "page_elements" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PageElement{}); err != nil {
		return nil, err
	}
	return db, nil
}

type mysqlElementStore struct {
	db *gorm.DB
}

func NewElementStore(db *gorm.DB) ElementStore {
	return &mysqlElementStore{db: db}
}

func (s *mysqlElementStore) LoadPage(ctx context.Context, projectID, pageID string) (*element.Forest, error) {
	var rows []PageElement
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND page_id = ?", projectID, pageID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	els := make([]*element.Element, 0, len(rows))
	for _, row := range rows {
		el := &element.Element{
			ID:       row.ID,
			Type:     row.Type,
			ParentID: row.ParentID,
			PageID:   row.PageID,
		}
		if row.Styles != "" {
			_ = json.Unmarshal([]byte(row.Styles), &el.Styles)
		}
		if row.Settings != "" {
			_ = json.Unmarshal([]byte(row.Settings), &el.Settings)
		}
		if row.Children != "" {
			_ = json.Unmarshal([]byte(row.Children), &el.Children)
		}
		els = append(els, el)
	}
	return element.FromElements(els), nil
}

// FlushPage replaces the stored page content with the final replica content,
// in one transaction so a failed flush never leaves a half-written page.
func (s *mysqlElementStore) FlushPage(ctx context.Context, projectID, pageID string, f *element.Forest) error {
	rows := make([]PageElement, 0, f.Len())
	for _, el := range f.Elements() {
		styles, _ := json.Marshal(el.Styles)
		settings, _ := json.Marshal(el.Settings)
		children, _ := json.Marshal(el.Children)
		rows = append(rows, PageElement{
			ID:        el.ID,
			ProjectID: projectID,
			PageID:    pageID,
			Type:      el.Type,
			ParentID:  el.ParentID,
			Styles:    string(styles),
			Settings:  string(settings),
			Children:  string(children),
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ? AND page_id = ?", projectID, pageID).
			Delete(&PageElement{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}
