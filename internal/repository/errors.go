package repository

import "errors"

// ErrNotFound は対象が見つからない（他テナントの行も含む）。
var ErrNotFound = errors.New("not found")

// ErrVersionConflict は期待したversionで更新できなかった。
var ErrVersionConflict = errors.New("version conflict")
