package main

import (
	"fmt"
	"os"
)

// TempFile é o buffer em disco para uploads grandes. O arquivo some do
// filesystem quando a TempFile é fechada, aconteça o que acontecer com
// o request.
type TempFile struct {
	File *os.File
	path string
}

// NewTempFile cria um arquivo temporário aberto para leitura e escrita
func NewTempFile() (*TempFile, error) {
	dir := os.Getenv("TMP")
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "gwaihir.*")
	if err != nil {
		return nil, fmt.Errorf("cannot create a temporary file: %w", err)
	}
	return &TempFile{File: f, path: f.Name()}, nil
}

// Close fecha e apaga o arquivo. Idempotente.
func (t *TempFile) Close() error {
	if t.File == nil {
		return nil
	}
	err := t.File.Close()
	t.File = nil
	if rmErr := os.Remove(t.path); err == nil {
		err = rmErr
	}
	return err
}
