package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stepErr struct{}

func (stepErr) Error() string   { return "step failed" }
func (stepErr) ErrorKind() Kind { return KindProvisioningFailure }

func TestKindOf(t *testing.T) {
	base := New(KindUnknownTenant, "tenancy.Resolve", "no tenant for subdomain acme")

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindUnknownTenant, KindOf(base))
	assert.Equal(t, KindUnknownTenant, KindOf(fmt.Errorf("middleware: %w", base)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindProvisioningFailure, KindOf(fmt.Errorf("wrapped: %w", stepErr{})))

	// the outermost classification wins
	outer := Wrap(KindConnectionFailure, "registry.Get", base)
	assert.Equal(t, KindConnectionFailure, KindOf(outer))
	assert.True(t, errors.Is(outer, base))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "op: msg", New(KindInvalid, "op", "msg").Error())
	assert.Equal(t, "op: msg: cause", (&Error{Kind: KindInvalid, Op: "op", Msg: "msg", Err: errors.New("cause")}).Error())
	assert.Equal(t, "cause", Wrap(KindInternal, "", errors.New("cause")).Error())
	assert.Equal(t, "conflict", (&Error{Kind: KindConflict}).Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindAuthRequired, http.StatusUnauthorized},
		{KindUnknownTenant, http.StatusNotFound},
		{KindForbidden, http.StatusForbidden},
		{KindTenantInactive, http.StatusForbidden},
		{KindConflict, http.StatusConflict},
		{KindConnectionFailure, http.StatusServiceUnavailable},
		{KindProvisioningFailure, http.StatusInternalServerError},
		{KindCrypto, http.StatusInternalServerError},
		{KindInvalid, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(New(tt.kind, "op", "msg")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}
