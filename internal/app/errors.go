package app

import "errors"

var (
	// ErrAuthRequired indicates the request carried no verified requester.
	ErrAuthRequired = errors.New("auth required")
	// ErrBookNotFound indicates the book id resolves to nothing.
	ErrBookNotFound = errors.New("book not found")
	// ErrPageNotFound indicates the page row is absent despite a
	// successful build step; guards against stale totals.
	ErrPageNotFound = errors.New("page not found")
	// ErrBuildFailed indicates pagination could not be materialized.
	// It is transient: the caller may retry by re-requesting the page.
	ErrBuildFailed = errors.New("page build failed")
	// ErrStorageUnavailable indicates the object store could not serve
	// a read-path request (URL issuance).
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("invalid request")
)
