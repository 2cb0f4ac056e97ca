// ABOUTME: Error values returned by the engine and the classified mutation error
// ABOUTME: Each failure class maps to one specific message a person can act on
package engine

import (
	"errors"
	"fmt"

	"github.com/harperreed/dealsync/remote"
)

var (
	// ErrOperationInProgress is returned by TryApply while another change to the same deal runs.
	ErrOperationInProgress = errors.New("another change to this deal is in progress, please wait")
	// ErrNotFound is returned when the deal is not in the cache.
	ErrNotFound = errors.New("deal not found")
	// ErrNoScope is returned when no organization is active.
	ErrNoScope = errors.New("no active organization")
	// ErrInvalidRecord marks a change or server answer that did not produce a valid deal.
	ErrInvalidRecord = errors.New("invalid deal record")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// MutationError describes a failed create, update, or delete after rollback.
type MutationError struct {
	Class    remote.Class
	Op       string
	RecordID string
	// Code is the server's result code, empty for local and transport failures.
	Code string
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("failed to %s deal %s (%s): %v", e.Op, e.RecordID, e.Class, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Message returns the text to show a person for this failure.
func (e *MutationError) Message() string {
	switch e.Class {
	case remote.ClassValidation:
		if errors.Is(e.Err, ErrInvalidRecord) && e.Code == "" {
			return "That change would leave the deal invalid, so it was not applied."
		}
		return "The server rejected the deal data. Check the fields and try again."
	case remote.ClassConflict:
		return "Someone else changed this deal first. Their version has been kept."
	case remote.ClassTransient:
		return "The server could not be reached. Your change was undone; try again shortly."
	case remote.ClassAuthorization:
		return "Your session has expired or you do not have access. Sign in again to continue."
	case remote.ClassPermanent:
		if e.Code == remote.CodeNotFound {
			return "This deal no longer exists on the server."
		}
		if errors.Is(e.Err, ErrInvalidRecord) {
			return "The server returned an incomplete deal, so the change was undone."
		}
		return "The server refused the change. It was not saved."
	}
	return "The change could not be saved."
}

// failure builds a MutationError from a write outcome.
func failure(op, id string, res remote.Result, err error) *MutationError {
	class := remote.Classify(res, err)
	if err == nil {
		msg := res.Message
		if msg == "" {
			msg = fmt.Sprintf("server answered %d", res.Status)
		}
		err = errors.New(msg)
	}
	return &MutationError{Class: class, Op: op, RecordID: id, Code: res.Code, Err: err}
}
