package vrc

import "context"

// DefaultPageSize is the page size used for list endpoints.
const DefaultPageSize = 100

// Paginate calls fetch with increasing offsets and accumulates items until a
// page shorter than pageSize comes back.
func Paginate[T any](ctx context.Context, pageSize int, fetch func(ctx context.Context, offset, limit int) ([]T, error)) ([]T, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var all []T
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		page, err := fetch(ctx, offset, pageSize)
		if err != nil {
			return all, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
