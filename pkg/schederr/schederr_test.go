package schederr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorIsErrValidation(t *testing.T) {
	err := &ValidationError{Reason: "bad input"}
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Contains(t, err.Error(), "bad input")
}

func TestScheduleErrorIsErrSchedule(t *testing.T) {
	err := &ScheduleError{Reason: "token mismatch"}
	assert.True(t, errors.Is(err, ErrSchedule))
	assert.False(t, errors.Is(err, ErrValidation))
}

func TestStorageErrorIsErrStorage(t *testing.T) {
	underlying := errors.New("disk full")
	err := &StorageError{Op: "write", Err: underlying}
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Contains(t, err.Error(), "write")
	assert.Contains(t, err.Error(), "disk full")
}

func TestCodingErrorIsErrCoding(t *testing.T) {
	underlying := errors.New("invalid utf8")
	err := &CodingError{Op: "launch_task", Err: underlying}
	assert.True(t, errors.Is(err, ErrCoding))
	assert.Contains(t, err.Error(), "launch_task")
}

func TestErrorKindsAreDistinct(t *testing.T) {
	kinds := []error{ErrValidation, ErrSchedule, ErrStorage, ErrCoding}
	for i, a := range kinds {
		for j, b := range kinds {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not be %v", a, b)
		}
	}
}
