package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	return problem
}

func TestWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 404, "Not Found", "clause_not_found")

	problem := decodeProblem(t, rec)
	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "https://agentcourt.dev/errors/404", problem.Type)
	assert.Equal(t, "Not Found", problem.Title)
	assert.Equal(t, 404, problem.Status)
	assert.Equal(t, "clause_not_found", problem.Detail)
	assert.Empty(t, problem.Errors)
}

func TestWriteValidationCarriesViolations(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteValidation(rec, []string{"seq 1: prevHash mismatch", "seq 2: signature mismatch"})

	problem := decodeProblem(t, rec)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "Validation Failed", problem.Title)
	assert.Len(t, problem.Errors, 2)
}

func TestWriteInternalHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternal(rec, assert.AnError)

	problem := decodeProblem(t, rec)
	assert.Equal(t, 500, rec.Code)
	assert.NotContains(t, problem.Detail, assert.AnError.Error())
}

func TestProblemDetailError(t *testing.T) {
	problem := &ProblemDetail{Title: "Conflict", Detail: "receipt already stored"}
	assert.Equal(t, "Conflict: receipt already stored", problem.Error())
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, 201, map[string]any{"ok": true})

	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
}
