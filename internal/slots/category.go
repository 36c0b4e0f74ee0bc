package slots

import (
	"fmt"

	"sleepchat/internal/vrc"
)

// Category is a message slot kind.
type Category string

const (
	Message         Category = "message"
	Response        Category = "response"
	Request         Category = "request"
	RequestResponse Category = "requestResponse"
)

// Categories lists every kind in a stable order.
var Categories = []Category{Message, Response, Request, RequestResponse}

const (
	PerCategory = 12
	MaxTextLen  = 64
)

func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown message type %q", vrc.ErrValidation, s)
}

func checkSlot(cat Category, idx int) error {
	if _, err := ParseCategory(string(cat)); err != nil {
		return err
	}
	if idx < 0 || idx >= PerCategory {
		return fmt.Errorf("%w: slot %d out of range [0,%d]", vrc.ErrValidation, idx, PerCategory-1)
	}
	return nil
}
