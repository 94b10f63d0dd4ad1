package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestLockConflict(t *testing.T) {
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	assert.ErrorIs(t, lockConflict(deadlock), ErrConflict)
	assert.ErrorIs(t, lockConflict(fmt.Errorf("attach: %w", deadlock)), ErrConflict)

	dup := &mysql.MySQLError{Number: 1062}
	assert.Same(t, dup, lockConflict(dup))
	assert.True(t, isDuplicate(dup))

	other := errors.New("connection reset")
	assert.Equal(t, other, lockConflict(other))
	assert.Nil(t, lockConflict(nil))
}
