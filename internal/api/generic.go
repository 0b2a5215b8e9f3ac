package api

import (
	"context"
	"net/http"
	"net/url"
)

// Get, Post, Put and Delete are escape hatches for endpoints without a
// dedicated method. path is relative to the API prefix; errors surface the
// same way as for typed calls.

func Get[T any](ctx context.Context, r Requester, path string, query url.Values) (T, error) {
	return do[T](ctx, r, http.MethodGet, path, nil, query)
}

func Post[T any](ctx context.Context, r Requester, path string, body any) (T, error) {
	return do[T](ctx, r, http.MethodPost, path, body, nil)
}

func Put[T any](ctx context.Context, r Requester, path string, body any) (T, error) {
	return do[T](ctx, r, http.MethodPut, path, body, nil)
}

func Delete[T any](ctx context.Context, r Requester, path string) (T, error) {
	return do[T](ctx, r, http.MethodDelete, path, nil, nil)
}

func do[T any](ctx context.Context, r Requester, method, path string, body any, query url.Values) (T, error) {
	var out T
	if err := r.Request(ctx, method, path, body, query, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
