package escrow

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
)

var (
	ErrInvalidSecret    = errors.New("secret must be 32 bytes")
	ErrInvalidSignature = errors.New("invalid order signature")
	ErrEventNotFound    = errors.New("escrow event not found")
	ErrTxFailed         = errors.New("transaction failed")
)

// CollaboratorError is a failed chain call. It matches
// protocol.ErrCollaborator.
type CollaboratorError struct {
	Chain string
	Step  string
	Err   error
}

// Wrap returns err as a CollaboratorError for chain and step, or nil.
func Wrap(chain, step string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return err
	}
	return &CollaboratorError{Chain: chain, Step: step, Err: err}
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Chain, e.Step, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func (e *CollaboratorError) Is(target error) bool { return target == protocol.ErrCollaborator }
