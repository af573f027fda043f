package model

import "time"

// Biography aggregates the chapters and sources produced for a subject.
// One biography may be worked on by many jobs over time.
type Biography struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Character   string     `gorm:"not null;index" json:"character"`
	Status      JobStatus  `gorm:"type:varchar(16)" json:"status"`
	JobID       *string    `gorm:"type:varchar(36)" json:"jobId,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Chapters []Chapter `gorm:"foreignKey:BiographyID" json:"chapters,omitempty"`
	Sources  []Source  `gorm:"foreignKey:BiographyID" json:"sources,omitempty"`
}

// Chapter is a generated chapter body. WordCount is computed by the text
// analyzer at write time.
type Chapter struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BiographyID string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_chapter_number" json:"biographyId"`
	Number      int       `gorm:"not null;uniqueIndex:idx_chapter_number" json:"number"`
	Title       string    `json:"title"`
	Body        string    `gorm:"type:text" json:"body"`
	WordCount   int       `json:"wordCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Source is a bibliographic source attached to a biography.
type Source struct {
	ID               string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BiographyID      *string      `gorm:"type:varchar(36);index" json:"biographyId,omitempty"`
	URL              *string      `gorm:"uniqueIndex" json:"url,omitempty"`
	Title            string       `gorm:"not null" json:"title"`
	Author           string       `json:"author,omitempty"`
	PublicationDate  string       `json:"publicationDate,omitempty"`
	RelevanceScore   float64      `json:"relevanceScore"`
	CredibilityScore float64      `json:"credibilityScore"`
	ValidationStatus SourceStatus `gorm:"type:varchar(16)" json:"validationStatus"`
	SourceType       SourceType   `gorm:"type:varchar(16)" json:"sourceType"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// NotificationRecord is the audit row written for every attempted delivery.
type NotificationRecord struct {
	ID          string              `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Type        NotificationType    `gorm:"type:varchar(32);index" json:"type"`
	Channel     NotificationChannel `gorm:"type:varchar(16)" json:"channel"`
	Recipient   string              `gorm:"index" json:"recipient"`
	Subject     string              `json:"subject,omitempty"`
	Message     string              `gorm:"type:text" json:"message"`
	Status      DeliveryStatus      `gorm:"type:varchar(16)" json:"status"`
	Attempts    int                 `json:"attempts"`
	Error       string              `json:"error,omitempty"`
	EntityType  string              `gorm:"type:varchar(32)" json:"entityType,omitempty"`
	EntityID    string              `gorm:"type:varchar(36);index" json:"entityId,omitempty"`
	RateLimited bool                `json:"isRateLimited"`
	CreatedAt   time.Time           `json:"createdAt"`
	DeliveredAt *time.Time          `json:"deliveredAt,omitempty"`
}
