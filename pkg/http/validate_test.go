package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type modeBody struct {
	Mode string `json:"mode" validate:"required"`
	By   string `json:"by" default:"api"`
}

type limitQuery struct {
	Limit int `query:"limit" default:"10" validate:"gte=1,lte=100"`
}

func newContext(method, target, body string) echo.Context {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestReadAndValidateRequest(t *testing.T) {
	t.Run("reports the wire field name", func(t *testing.T) {
		verr := ReadAndValidateRequest(newContext(http.MethodPost, "/", `{"by":"alice"}`), &modeBody{})
		errs, ok := verr.([]ValidationError)
		require.True(t, ok)
		require.Len(t, errs, 1)
		assert.Equal(t, "ERR_REQUIRED", errs[0].Code)
		assert.Equal(t, "mode", errs[0].Field)
		assert.Equal(t, "mode is required", errs[0].Message)
	})

	t.Run("applies defaults", func(t *testing.T) {
		body := &modeBody{}
		require.Nil(t, ReadAndValidateRequest(newContext(http.MethodPost, "/", `{"mode":"balanced"}`), body))
		assert.Equal(t, "api", body.By)

		q := &limitQuery{}
		require.Nil(t, ReadAndValidateRequest(newContext(http.MethodGet, "/", ""), q))
		assert.Equal(t, 10, q.Limit)
	})

	t.Run("range params", func(t *testing.T) {
		verr := ReadAndValidateRequest(newContext(http.MethodGet, "/?limit=500", ""), &limitQuery{})
		errs, ok := verr.([]ValidationError)
		require.True(t, ok)
		require.Len(t, errs, 1)
		assert.Equal(t, "ERR_LTE", errs[0].Code)
		assert.Equal(t, "limit", errs[0].Field)
		assert.Equal(t, "100", errs[0].Params["max"])
	})

	t.Run("malformed body", func(t *testing.T) {
		verr := ReadAndValidateRequest(newContext(http.MethodPost, "/", `{"mode":`), &modeBody{})
		errs, ok := verr.([]ValidationError)
		require.True(t, ok)
		assert.Equal(t, "ERR_BIND", errs[0].Code)
	})
}
