package main

import (
	"errors"
	"fmt"
)

// ErrPoolClosed é retornado por Get depois que o pool foi encerrado.
var ErrPoolClosed = errors.New("application pool is closed")

// SpawnError indicates that the spawn server could not start a new
// application instance. When the spawn server rendered a user-facing
// HTML error page (Rails applications do this), it is preserved
// verbatim so the dispatcher can serve it as the response body.
type SpawnError struct {
	Message      string
	HasErrorPage bool
	ErrorPage    string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn application: %s", e.Message)
}

// BusyError indicates that the pool caps are saturated and no idle
// worker could be evicted to make room.
type BusyError struct {
	Message string
}

func (e *BusyError) Error() string {
	if e.Message == "" {
		return "the application pool is too busy"
	}
	return e.Message
}

// FileSystemError envolve uma falha de filesystem ao examinar um
// caminho durante a classificação de um request.
type FileSystemError struct {
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("error accessing '%s': %v", e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}
