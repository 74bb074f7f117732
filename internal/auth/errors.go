// SPDX-License-Identifier: MIT

package auth

import "errors"

var (
	// ErrAuthRequired means the request was anonymous but the operation
	// needs an authenticated user (HTTP 401).
	ErrAuthRequired = errors.New("auth: authentication required")

	// ErrForbidden means the authenticated user may not perform the
	// operation (HTTP 403). Responses must not reveal track existence.
	ErrForbidden = errors.New("auth: forbidden")

	// ErrNotFound covers absent tracks and syntactically invalid track
	// IDs (HTTP 404); absent and forbidden are indistinguishable on the
	// wire.
	ErrNotFound = errors.New("auth: not found")

	// ErrTokenInvalid covers signature, purpose, expiry, age, and IP
	// binding failures during token verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
