package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
}

// Document is the catalog row for a block document. The content itself lives
// in the document's git repository; title and body text are denormalized here
// for listing and full-text search.
type Document struct {
	ID               string
	Title            string
	BodyText         string
	PublishedVersion string
	UpdatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CommitFailure records a draft commit that the backend rejected. The batch
// itself stays pending in the editor session and is retried.
type CommitFailure struct {
	ID         int64
	DocumentID string
	Author     string
	PendingOps int
	Error      string
	CreatedAt  time.Time
}
