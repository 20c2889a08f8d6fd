package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "library-test"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("admin", RoleAdmin, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := Parse(pair.AccessToken, testKey, testIssuer, KindAccess)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "admin" || claims.Role != RoleAdmin {
		t.Fatalf("claims = %+v", claims)
	}
	if !pair.RefreshExp.After(pair.AccessExp) {
		t.Fatal("refresh token must outlive the access token")
	}

	if _, err := Parse(pair.RefreshToken, testKey, testIssuer, KindAccess); err == nil {
		t.Fatal("refresh token accepted as access token")
	}
	if _, err := Parse(pair.RefreshToken, testKey, testIssuer, KindRefresh); err != nil {
		t.Fatalf("refresh token rejected: %v", err)
	}
	if _, err := Parse(pair.AccessToken, "other-key", testIssuer, KindAccess); err == nil {
		t.Fatal("token verified with the wrong key")
	}
	if _, err := Parse(pair.AccessToken, testKey, "someone-else", KindAccess); err == nil {
		t.Fatal("issuer mismatch accepted")
	}
}

func TestExpiredToken(t *testing.T) {
	pair, err := Issue("admin", RoleAdmin, testIssuer, testKey, -time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, testKey, testIssuer, KindAccess); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestPINVerifier(t *testing.T) {
	v, err := NewPINVerifier("", "4321")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Verify("4321") || v.Verify("1234") || v.Verify("") {
		t.Fatal("plain PIN verification mismatch")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("9876"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	v, err = NewPINVerifier(string(hash), "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Verify("9876") || v.Verify("ignored") {
		t.Fatal("hash must take precedence over the plain PIN")
	}

	if _, err := NewPINVerifier("", ""); err != ErrPINNotConfigured {
		t.Fatalf("error = %v, want ErrPINNotConfigured", err)
	}
	if _, err := NewPINVerifier("not-a-hash", ""); err == nil {
		t.Fatal("malformed hash accepted")
	}
}

func TestAdminAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", AdminAuth(testKey, testIssuer), func(c *gin.Context) {
		claims := c.MustGet(ClaimsKey).(Claims)
		c.String(http.StatusOK, claims.Subject)
	})

	admin, _ := Issue("admin", RoleAdmin, testIssuer, testKey, time.Minute, time.Hour)
	member, _ := Issue("000001", "member", testIssuer, testKey, time.Minute, time.Hour)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"refresh token", "Bearer " + admin.RefreshToken, http.StatusUnauthorized},
		{"wrong role", "Bearer " + member.AccessToken, http.StatusForbidden},
		{"admin", "Bearer " + admin.AccessToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}
