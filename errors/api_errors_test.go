package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorIsJSON(t *testing.T) {
	err := NewError(ErrCodeEntryNotFound, ErrMsgEntryNotFound)
	assert.JSONEq(t, `{"code":"entry_not_found","message":"Entry could not be found"}`, err.Error())

	var apiErr *APIError
	assert.True(t, stderrors.As(err, &apiErr))
	assert.Equal(t, ErrCodeEntryNotFound, apiErr.Code)
}
