package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/wirepack/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "", wantErr: ErrUnauthorized},
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

func TestFromRequest(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		header, value, want string
	}{
		{"Authorization", "Bearer s3cret", "s3cret"},
		{"Authorization", "bearer  s3cret ", "s3cret"},
		{"Authorization", "Basic dXNlcg==", ""},
		{TokenHeader, "s3cret", "s3cret"},
		{"", "", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set(tc.header, tc.value)
		}
		if got := FromRequest(r); got != tc.want {
			t.Fatalf("%s=%q got=%q want=%q", tc.header, tc.value, got, tc.want)
		}
	}
}

func TestRequire(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/open", Require(nil), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/closed", Require(FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})), func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, tc := range []struct {
		path, token string
		want        int
	}{
		{"/open", "", http.StatusOK},
		{"/closed", "", http.StatusUnauthorized},
		{"/closed", "bad", http.StatusUnauthorized},
		{"/closed", "ok", http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.token != "" {
			req.Header.Set(TokenHeader, tc.token)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s token=%q status=%d want=%d", tc.path, tc.token, rr.Code, tc.want)
		}
	}
}
