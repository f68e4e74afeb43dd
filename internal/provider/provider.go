package provider

import (
	"fmt"
)

// Failure is the error every gateway implementation returns when a message
// could not be handed to the provider. Reason is short and safe to store on
// the message record.
type Failure struct {
	Reason    string
	Temporary bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

func temporary(reason string, err error) *Failure {
	return &Failure{Reason: reason, Temporary: true, Err: err}
}

func permanent(reason string, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}
