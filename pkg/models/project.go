// Package models contains data types shared by the server and its clients.
package models

import "time"

// ProjectSummary is a row of the project listing.
type ProjectSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FileCount int       `json:"fileCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileInfo is a row of a project's file listing.
type FileInfo struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// File is a file with its content.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Type    string `json:"type"`
}
