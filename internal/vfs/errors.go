package vfs

import "errors"

var (
	// ErrProjectNotFound is returned by mutations that target a missing project.
	ErrProjectNotFound = errors.New("project not found")

	// ErrInvalidPath is returned when a path normalizes to the project root.
	ErrInvalidPath = errors.New("invalid file path")
)
