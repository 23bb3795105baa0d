package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name" validate:"required"`
	Kind string `json:"kind" validate:"omitempty,oneof=a b"`
}

func TestValidateUsesJSONNames(t *testing.T) {
	err := Validate(sample{Kind: "c"})
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "name failed on required")
	require.Contains(t, err.Error(), "kind failed on oneof")

	require.NoError(t, Validate(sample{Name: "ok", Kind: "a"}))
}

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("%w: missing", ErrNotFound):         http.StatusNotFound,
		fmt.Errorf("%w: bad", ErrValidation):           http.StatusBadRequest,
		fmt.Errorf("%w: unbalanced", ErrUnprocessable): http.StatusUnprocessableEntity,
		fmt.Errorf("%w: twice", ErrConflict):           http.StatusConflict,
		errors.New("boom"):                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, err)
		require.Equal(t, want, rr.Code, err.Error())
	}
}

func TestDecodeJSONRejectsEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var target map[string]any
	require.ErrorIs(t, DecodeJSON(req, &target), ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	require.NoError(t, DecodeJSON(req, &target))
	require.Equal(t, "1", fmt.Sprint(target["a"]))
}
