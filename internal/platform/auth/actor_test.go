package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/queue/internal/platform/apperr"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		name string
		held []string
		need []string
		want bool
	}{
		{"holds one", []string{RoleRegistrar}, []string{RoleDoctor, RoleRegistrar}, true},
		{"holds none", []string{RoleKiosk}, []string{RoleOperator}, false},
		{"admin passes", []string{RoleAdmin}, []string{RoleOperator}, true},
		{"no actor", nil, []string{RoleDoctor}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.held != nil {
				ctx = WithActor(ctx, "u1", tt.held...)
			}
			assert.Equal(t, tt.want, HasRole(ctx, tt.need...))
		})
	}
}

func TestActorAccessors(t *testing.T) {
	ctx := WithActor(context.Background(), "staff-3", RoleDoctor)
	assert.Equal(t, "staff-3", UserIDFromContext(ctx))
	assert.Equal(t, []string{RoleDoctor}, RolesFromContext(ctx))

	_, ok := ActorFromContext(context.Background())
	assert.False(t, ok)
	assert.Empty(t, UserIDFromContext(context.Background()))
}

func TestRequireRole(t *testing.T) {
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	run := func(roles ...string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithActor(req.Context(), "u1", roles...))
		rec := httptest.NewRecorder()
		return rec, RequireRole(RoleOperator)(ok)(echo.New().NewContext(req, rec))
	}

	rec, err := run(RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = run(RoleKiosk)
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusForbidden, he.Code)
	assert.Equal(t, "forbidden", he.Message.(apperr.Body).Code)
}
