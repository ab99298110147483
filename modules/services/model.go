package services

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// TextModel is the AI backend behind the diary endpoints.
type TextModel interface {
	// ExtractText reads handwritten text from an image.
	ExtractText(ctx context.Context, image []byte, mimeType string) (string, error)
	// Cleanup fixes spelling and spacing of a transcribed entry.
	Cleanup(ctx context.Context, text string) (string, error)
}

var ErrEmptyInput = errors.New("services: empty model input")

// StubModel is a deterministic local model for development and tests.
type StubModel struct{}

var _ TextModel = StubModel{}

func (StubModel) ExtractText(ctx context.Context, image []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(image) == 0 {
		return "", ErrEmptyInput
	}
	// pretend every printable byte is a recognised character
	var b strings.Builder
	for _, c := range string(image) {
		if unicode.IsPrint(c) {
			b.WriteRune(c)
		}
	}
	return b.String(), nil
}

func (StubModel) Cleanup(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	return strings.Join(strings.Fields(text), " "), nil
}
