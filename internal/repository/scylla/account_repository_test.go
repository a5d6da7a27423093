package scylla

import (
	"strings"
	"testing"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"
)

var _ repository.Store = (*Store)(nil)

func TestProfileUpdateStatementOnlySetsGivenFields(t *testing.T) {
	first := "Ann"
	lat := 51.5
	stmt, args := profileUpdateStatement(models.ProfileUpdate{FirstName: &first, Latitude: &lat})

	assert.Equal(t,
		"UPDATE accounts SET first_name = ?, latitude = ?, updated_at = ? WHERE account_bucket = ? AND account_id = ? IF EXISTS",
		stmt)
	assert.Equal(t, []interface{}{"Ann", 51.5}, args)
}

func TestProfileUpdateStatementEmpty(t *testing.T) {
	stmt, args := profileUpdateStatement(models.ProfileUpdate{})
	assert.True(t, strings.HasPrefix(stmt, "UPDATE accounts SET updated_at = ? WHERE"))
	assert.Empty(t, args)
}

func TestSameAccount(t *testing.T) {
	id := uuid.New()
	parsed, err := gocql.ParseUUID(id.String())
	assert.NoError(t, err)

	assert.True(t, sameAccount(parsed, id))
	assert.True(t, sameAccount(id.String(), id))
	assert.False(t, sameAccount(uuid.NewString(), id))
	assert.False(t, sameAccount(nil, id))
}

func TestStatementsCoverAccountColumns(t *testing.T) {
	stmts := newStatements()
	cols := strings.Count(accountColumns, ",") + 1
	assert.Equal(t, cols, strings.Count(stmts.InsertAccount, "?"))
}
