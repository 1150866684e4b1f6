package usecase

import (
	"errors"

	"orderflow/internal/domain/apperr"
	repo "orderflow/internal/repository"
)

// loadError は repository のエラーを呼び出し側のエラーに変える。
// 他テナントの行も ErrNotFound で返ってくるので区別しない。
func loadError(err error, resource string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound(resource)
	}
	return dbError(err)
}

func saveError(err error, resource string) error {
	switch {
	case errors.Is(err, repo.ErrVersionConflict):
		return apperr.ConcurrentModification(resource)
	case errors.Is(err, repo.ErrNotFound):
		return apperr.NotFound(resource)
	}
	return dbError(err)
}

func dbError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, "db error", err)
}
