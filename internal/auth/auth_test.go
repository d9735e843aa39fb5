package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/uwbctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"bearer":       {header: "Bearer s3cret", want: "s3cret", ok: true},
		"lower scheme": {header: "bearer s3cret", want: "s3cret", ok: true},
		"basic":        {header: "Basic abc", ok: false},
		"empty token":  {header: "Bearer ", ok: false},
		"missing":      {header: "", ok: false},
	}
	for name, tc := range cases {
		got, ok := BearerToken(tc.header)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: got %q ok=%v", name, got, ok)
		}
	}
}

func TestMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	r := gin.New()
	r.POST("/guarded", Middleware(validator), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/open", Middleware(nil), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	send := func(path, header string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("/guarded", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := send("/guarded", "Bearer bad"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", code)
	}
	if code := send("/guarded", "Bearer ok"); code != http.StatusNoContent {
		t.Fatalf("expected 204 for good token, got %d", code)
	}
	if code := send("/open", ""); code != http.StatusNoContent {
		t.Fatalf("expected nil validator to pass, got %d", code)
	}
}
