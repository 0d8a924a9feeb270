package authorization

import (
	"context"
	"errors"
	"testing"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestAuthService(t *testing.T) (*AuthService, *UserStore) {
	t.Helper()
	// Mirrors knowledge.OpenDatabase("sqlite", ":memory:") without importing
	// knowledge, which would create an import cycle in this test package.
	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &Role{}, &UserRole{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	users := &UserStore{db: db}
	return &AuthService{users: users}, users
}

func TestRegisterHashesPassword(t *testing.T) {
	service, users := newTestAuthService(t)
	ctx := context.Background()

	user, err := service.Register(ctx, "alice", "sup3rsecret", "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.PasswordHash == "sup3rsecret" {
		t.Fatal("password stored in plain text")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("sup3rsecret")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}

	loaded, err := users.FindByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if loaded.DisplayName != "Alice" {
		t.Fatalf("display name = %q", loaded.DisplayName)
	}
}

func TestRegisterValidation(t *testing.T) {
	service, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, "", "longenough", ""); !errors.Is(err, jwt.ErrMissingLoginValues) {
		t.Fatalf("blank username err = %v", err)
	}
	if _, err := service.Register(ctx, "bob", "short", ""); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("weak password err = %v", err)
	}

	if _, err := service.Register(ctx, "carol", "longenough", ""); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := service.Register(ctx, "carol", "longenough", ""); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate err = %v, want ErrUsernameTaken", err)
	}
}

func TestAuthenticate(t *testing.T) {
	service, users := newTestAuthService(t)
	ctx := context.Background()

	registered, err := service.Register(ctx, "dave", "hunter2hunter2", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	role := &Role{Name: AdminRole, Code: AdminRole}
	if err := users.db.Create(role).Error; err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := users.db.Create(&UserRole{UserID: registered.ID, RoleID: role.ID}).Error; err != nil {
		t.Fatalf("assign role: %v", err)
	}

	authed, err := service.Authenticate(ctx, "dave", "hunter2hunter2")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != registered.ID || authed.Username != "dave" {
		t.Fatalf("identity = %+v", authed)
	}
	if !HasRole(authed.Roles, AdminRole) {
		t.Fatalf("roles = %v, want admin", authed.Roles)
	}

	if _, err := service.Authenticate(ctx, "dave", "wrong"); !errors.Is(err, jwt.ErrFailedAuthentication) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := service.Authenticate(ctx, "nobody", "whatever"); !errors.Is(err, jwt.ErrFailedAuthentication) {
		t.Fatalf("unknown user err = %v", err)
	}
	if _, err := service.Authenticate(ctx, "", ""); !errors.Is(err, jwt.ErrMissingLoginValues) {
		t.Fatalf("blank credentials err = %v", err)
	}
}

func TestParseUserIDClaim(t *testing.T) {
	cases := []struct {
		name string
		raw  interface{}
		want uint64
	}{
		{"float64", float64(42), 42},
		{"int", 7, 7},
		{"uint64", uint64(9), 9},
		{"negative", float64(-1), 0},
		{"string", "12", 0},
		{"nil", nil, 0},
	}
	for _, tc := range cases {
		if got := parseUserIDClaim(tc.raw); got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestExtractRolesClaim(t *testing.T) {
	roles := extractRolesClaim([]interface{}{"admin", "  ", 3, "editor"})
	if len(roles) != 2 || roles[0] != "admin" || roles[1] != "editor" {
		t.Fatalf("roles = %v", roles)
	}
	if got := extractRolesClaim("viewer"); len(got) != 1 || got[0] != "viewer" {
		t.Fatalf("single role = %v", got)
	}
	if got := extractRolesClaim(nil); len(got) != 0 {
		t.Fatalf("nil claim = %v", got)
	}
}

func TestHasRole(t *testing.T) {
	roles := []string{"Admin", " editor "}
	if !HasRole(roles, "admin") {
		t.Fatal("case-insensitive match failed")
	}
	if !HasRole(roles, "editor") {
		t.Fatal("trimmed match failed")
	}
	if HasRole(roles, "viewer") {
		t.Fatal("phantom role matched")
	}
	if HasRole(roles, "") {
		t.Fatal("blank target matched")
	}
}

func TestCaptchaStore(t *testing.T) {
	store := NewCaptchaStore(0)

	challenge := store.Issue()
	if challenge.ID == "" {
		t.Fatal("no challenge id")
	}
	if challenge.ImageBase64 == "" {
		t.Fatal("no challenge image")
	}

	if store.Verify(challenge.ID, "wrong-answer") {
		t.Fatal("wrong answer accepted")
	}
	if store.Verify("", "123456") {
		t.Fatal("blank id accepted")
	}
	if store.Verify(challenge.ID, "") {
		t.Fatal("blank answer accepted")
	}
}

func TestNewCaptchaStoreFromEnv(t *testing.T) {
	t.Setenv("CAPTCHA_TTL_SECONDS", "45")
	t.Setenv("CAPTCHA_DIGITS", "6")

	store := NewCaptchaStoreFromEnv()
	if store.ttl != 45*time.Second {
		t.Fatalf("ttl = %v, want 45s", store.ttl)
	}

	t.Setenv("CAPTCHA_TTL_SECONDS", "not-a-number")
	t.Setenv("CAPTCHA_DIGITS", "99")

	fallback := NewCaptchaStoreFromEnv()
	if fallback.ttl != defaultCaptchaTTL {
		t.Fatalf("ttl = %v, want default", fallback.ttl)
	}
}
