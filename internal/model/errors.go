package model

import "errors"

// Категории ошибок. Конкретные ошибки пакетов оборачивают одну из них.
var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrNotFound возвращается, если сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrConstraint возвращается при нарушении ограничений реферальной сети или реестра.
	ErrConstraint = errors.New("constraint violation")
)
